package configure

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EngineFlag is one command line flag of the serving engine. It is either a
// FlagSwitch or a FlagValue.
type EngineFlag interface {
	Name() string
	Arg() string
	isEngineFlag()
}

// FlagSwitch is a flag without a value, such as --enable-prefix-caching.
type FlagSwitch struct {
	Key string
}

func (f FlagSwitch) Name() string { return f.Key }
func (f FlagSwitch) Arg() string  { return f.Key }
func (FlagSwitch) isEngineFlag()  {}

// FlagValue is a flag carrying a value, rendered as --key=value.
type FlagValue struct {
	Key   string
	Value string
}

func (f FlagValue) Name() string { return f.Key }
func (f FlagValue) Arg() string  { return f.Key + "=" + f.Value }
func (FlagValue) isEngineFlag()  {}

// EngineFlags is keyed by normalized flag name.
type EngineFlags map[string]EngineFlag

// NormalizeFlagName turns "max_model_len", "max-model-len" and
// "--max-model-len" into "--max-model-len".
func NormalizeFlagName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "-")
	name = strings.ReplaceAll(name, "_", "-")
	if name == "" {
		return ""
	}
	return "--" + name
}

// Merge returns the union of both sets. On collision the flag from over wins.
func (f EngineFlags) Merge(over EngineFlags) EngineFlags {
	rslt := make(EngineFlags, len(f)+len(over))
	for k, v := range f {
		rslt[k] = v
	}
	for k, v := range over {
		rslt[k] = v
	}
	return rslt
}

func (f EngineFlags) Has(name string) bool {
	_, ok := f[NormalizeFlagName(name)]
	return ok
}

// Value returns the value of a FlagValue, or false for absent flags and
// switches.
func (f EngineFlags) Value(name string) (string, bool) {
	v, ok := f[NormalizeFlagName(name)].(FlagValue)
	if !ok {
		return "", false
	}
	return v.Value, true
}

// Sorted returns the flags in stable name order.
func (f EngineFlags) Sorted() []EngineFlag {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rslt := make([]EngineFlag, 0, len(keys))
	for _, k := range keys {
		rslt = append(rslt, f[k])
	}
	return rslt
}

// Args renders the flags in stable order.
func (f EngineFlags) Args() []string {
	sorted := f.Sorted()
	rslt := make([]string, 0, len(sorted))
	for _, flag := range sorted {
		rslt = append(rslt, flag.Arg())
	}
	return rslt
}

// ParseEngineFlags converts a decoded catalog mapping. A missing value or
// true makes a switch, false is rejected and scalars become values.
func ParseEngineFlags(raw map[string]interface{}) (EngineFlags, error) {
	rslt := make(EngineFlags, len(raw))
	for k, v := range raw {
		name := NormalizeFlagName(k)
		if name == "" {
			return nil, fmt.Errorf("%w: empty flag name", ErrInvalidFlag)
		}
		if _, dup := rslt[name]; dup {
			return nil, fmt.Errorf("%w: %s given twice", ErrInvalidFlag, name)
		}
		flag, err := engineFlagOf(name, v)
		if err != nil {
			return nil, err
		}
		rslt[name] = flag
	}
	return rslt, nil
}

func engineFlagOf(name string, v interface{}) (EngineFlag, error) {
	switch val := v.(type) {
	case nil:
		return FlagSwitch{Key: name}, nil
	case bool:
		if !val {
			return nil, fmt.Errorf("%w: %s: false is not a valid switch value, remove the flag instead", ErrInvalidFlag, name)
		}
		return FlagSwitch{Key: name}, nil
	case string:
		if val == "" {
			return nil, fmt.Errorf("%w: %s: empty value", ErrInvalidFlag, name)
		}
		return FlagValue{Key: name, Value: val}, nil
	case int:
		return FlagValue{Key: name, Value: strconv.Itoa(val)}, nil
	case int64:
		return FlagValue{Key: name, Value: strconv.FormatInt(val, 10)}, nil
	case uint64:
		return FlagValue{Key: name, Value: strconv.FormatUint(val, 10)}, nil
	case float64:
		return FlagValue{Key: name, Value: strconv.FormatFloat(val, 'f', -1, 64)}, nil
	default:
		return nil, fmt.Errorf("%w: %s: unsupported value of type %T", ErrInvalidFlag, name, v)
	}
}

// ParseFlagList parses the command line form
// "--max-model-len=8192,--enable-prefix-caching".
func ParseFlagList(list string) (EngineFlags, error) {
	rslt := make(EngineFlags)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, hasValue := strings.Cut(item, "=")
		if !hasValue {
			// "--max-model-len 8192" is accepted as well
			if k, v, ok := strings.Cut(item, " "); ok {
				key, value, hasValue = k, strings.TrimSpace(v), true
			}
		}
		name := NormalizeFlagName(key)
		if name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFlag, item)
		}
		if hasValue {
			if value == "" {
				return nil, fmt.Errorf("%w: %s: empty value", ErrInvalidFlag, name)
			}
			rslt[name] = FlagValue{Key: name, Value: value}
		} else {
			rslt[name] = FlagSwitch{Key: name}
		}
	}
	return rslt, nil
}
