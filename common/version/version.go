package version

var Version = "0.3.1"

// Authors is a list of [name, email] pairs.
var Authors = [][2]string{
	{"LCPU Club", "lcpu@pku.edu.cn"},
}
