package config

import (
	"fmt"
	"strings"
)

var placeholderPrefixes = []string{"replace-me", "change-me", "your-", "<"}

// MissingError reports a credential that is absent or still a placeholder.
type MissingError struct {
	Name        string
	Placeholder bool
}

func (e *MissingError) Error() string {
	if e.Placeholder {
		return fmt.Sprintf("configuration %s is still a placeholder value", e.Name)
	}
	return fmt.Sprintf("missing configuration: %s", e.Name)
}

// IsPlaceholder reports whether v looks like an unfilled template value.
func IsPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// Required returns the trimmed value or a *MissingError.
func Required(value, name string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &MissingError{Name: name}
	}
	if IsPlaceholder(value) {
		return "", &MissingError{Name: name, Placeholder: true}
	}
	return value, nil
}

// Optional returns the trimmed value, or "" when it is empty or a placeholder.
func Optional(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || IsPlaceholder(value) {
		return ""
	}
	return value
}
