package replacer

import (
	"strings"
)

// Replacer expands ${...} placeholders in configured paths. Placeholders it
// has no value for are left untouched so a later stage can expand them.
type Replacer struct {
	vars        map[string]string
	strReplacer *strings.Replacer
}

func NewReplacer(home string, user string) *Replacer {
	return build(map[string]string{
		"home": home,
		"user": user,
	})
}

// WithModel returns a copy that also knows ${model_name} and
// ${model_family}.
func (r *Replacer) WithModel(modelName string, modelFamily string) *Replacer {
	vars := make(map[string]string, len(r.vars)+2)
	for k, v := range r.vars {
		vars[k] = v
	}
	vars["model_name"] = modelName
	vars["model_family"] = modelFamily
	return build(vars)
}

func build(vars map[string]string) *Replacer {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return &Replacer{
		vars:        vars,
		strReplacer: strings.NewReplacer(pairs...),
	}
}

func (r *Replacer) Replace(input string) string {
	if home := r.vars["home"]; home != "" {
		if input == "~" {
			input = home
		} else if strings.HasPrefix(input, "~/") {
			input = home + input[1:]
		}
	}
	return r.strReplacer.Replace(input)
}
