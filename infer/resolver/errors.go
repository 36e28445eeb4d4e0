package resolver

import (
	"fmt"
	"strings"
)

// ResolutionError is implemented by every error Resolve returns. All of
// them are recoverable and name the offending field.
type ResolutionError interface {
	error
	Field() string
}

type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

func (e *UnknownModelError) Field() string { return "model" }

// UnknownOverrideError lists exactly the unrecognized override keys, sorted.
type UnknownOverrideError struct {
	Keys []string
}

func (e *UnknownOverrideError) Error() string {
	return fmt.Sprintf("unknown override keys: %s", strings.Join(e.Keys, ", "))
}

func (e *UnknownOverrideError) Field() string { return strings.Join(e.Keys, ",") }

type ResourceLimitError struct {
	Name  string
	Value string
	Limit string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s=%s exceeds the cluster limit %s", e.Name, e.Value, e.Limit)
}

func (e *ResourceLimitError) Field() string { return e.Name }

type InvalidValueError struct {
	Name   string
	Value  string
	Reason string
}

func (e *InvalidValueError) Error() string {
	msg := fmt.Sprintf("invalid value %q for %s", e.Value, e.Name)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidValueError) Field() string { return e.Name }
