package core

import (
	"fmt"
	"strconv"
	"strings"
)

// OptionType is the declared type of an option value.
type OptionType string

const (
	OptionString  OptionType = "string"
	OptionInteger OptionType = "integer"
	OptionBoolean OptionType = "boolean"
	OptionFloat   OptionType = "float"
)

// Option is one named, typed plugin setting. Values are kept in their textual
// form so they round-trip through configuration files and the CLI unchanged.
type Option struct {
	Name        string     `json:"name"`
	Value       string     `json:"value"`
	Description string     `json:"description"`
	Type        OptionType `json:"type"`
	Required    bool       `json:"required,omitempty"`
}

// OptionList is an ordered set of options.
type OptionList []Option

// Lookup returns the option called name.
func (l OptionList) Lookup(name string) (Option, bool) {
	for _, o := range l {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// String returns the raw value of name, or "" when absent.
func (l OptionList) String(name string) string {
	o, _ := l.Lookup(name)
	return o.Value
}

// Int returns the integer value of name. Lists produced by ParseOptions never fail here.
func (l OptionList) Int(name string) int {
	n, _ := strconv.Atoi(l.String(name))
	return n
}

// Bool returns the boolean value of name.
func (l OptionList) Bool(name string) bool {
	b, _ := strconv.ParseBool(l.String(name))
	return b
}

// Float returns the float value of name.
func (l OptionList) Float(name string) float64 {
	f, _ := strconv.ParseFloat(l.String(name), 64)
	return f
}

// ParseOptions applies values on top of defaults and validates the result. The
// returned list is a copy; defaults is left untouched. Any failure is a
// *ConfigError naming plugin and the offending option. Names match case
// insensitively, since configuration files lowercase their keys.
func ParseOptions(plugin string, defaults OptionList, values map[string]string) (OptionList, error) {
	out := make(OptionList, len(defaults))
	copy(out, defaults)

	index := make(map[string]int, len(out))
	for i, o := range out {
		index[strings.ToLower(o.Name)] = i
	}

	for name, raw := range values {
		i, ok := index[strings.ToLower(name)]
		if !ok {
			return nil, &ConfigError{Plugin: plugin, Option: name, Reason: "unknown option"}
		}
		out[i].Value = strings.TrimSpace(raw)
	}

	for _, o := range out {
		if err := validateOption(o); err != nil {
			return nil, &ConfigError{Plugin: plugin, Option: o.Name, Reason: err.Error()}
		}
	}
	return out, nil
}

func validateOption(o Option) error {
	if o.Value == "" {
		if o.Required {
			return fmt.Errorf("a value is required")
		}
		return nil
	}
	switch o.Type {
	case OptionInteger:
		if _, err := strconv.Atoi(o.Value); err != nil {
			return fmt.Errorf("%q is not an integer", o.Value)
		}
	case OptionBoolean:
		if _, err := strconv.ParseBool(o.Value); err != nil {
			return fmt.Errorf("%q is not a boolean", o.Value)
		}
	case OptionFloat:
		if _, err := strconv.ParseFloat(o.Value, 64); err != nil {
			return fmt.Errorf("%q is not a number", o.Value)
		}
	case OptionString, "":
	default:
		return fmt.Errorf("unsupported option type %q", o.Type)
	}
	return nil
}
