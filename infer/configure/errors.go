package configure

import "fmt"

var (
	ErrInvalidFlag       = fmt.Errorf("invalid engine flag")
	ErrUnsupportedFormat = fmt.Errorf("unsupported catalog format")
	ErrNoMinIO           = fmt.Errorf("minio is not configured")
)

// ConfigError reports malformed or missing configuration. It is fatal at
// startup.
type ConfigError struct {
	Source string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Source != "" {
		msg += ": " + e.Source
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	return msg + ": " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
