package tools

import "fmt"

// Argument extraction helpers. Tool inputs arrive as map[string]any decoded
// from JSON, so numbers are float64 and everything needs a type check.

// StringArg extracts a required string argument.
func StringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string, got %T", name, v)
	}
	return s, nil
}

// OptionalString extracts an optional string argument with a default.
func OptionalString(args map[string]any, name, fallback string) string {
	if s, ok := args[name].(string); ok {
		return s
	}
	return fallback
}

// OptionalInt extracts an optional integer argument with a default.
// JSON numbers decode as float64, so both forms are accepted.
func OptionalInt(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// StringSliceArg extracts a required array-of-strings argument.
func StringSliceArg(args map[string]any, name string) ([]string, error) {
	v, ok := args[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredArg, name)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %s must be an array, got %T", name, v)
	}
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argument %s[%d] must be a string, got %T", name, i, item)
		}
		out = append(out, s)
	}
	return out, nil
}
