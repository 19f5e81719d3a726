package common

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"
)

// ValidationError is one failed rule on one field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationRule checks a single string field. It returns nil when value is
// acceptable.
type ValidationRule func(field, value string) *ValidationError

// Validator collects failures across fields so a request reports all of
// them at once.
type Validator struct {
	failures []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// Field runs rules against value and records every failure.
func (v *Validator) Field(field, value string, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if f := rule(field, value); f != nil {
			v.failures = append(v.failures, *f)
		}
	}
	return v
}

func (v *Validator) Failures() []ValidationError {
	return v.failures
}

// Error folds the failures into a single ErrValidation, or returns nil.
func (v *Validator) Error() error {
	if len(v.failures) == 0 {
		return nil
	}
	msgs := make([]string, len(v.failures))
	for i, f := range v.failures {
		msgs[i] = f.Error()
	}
	return NewAppError(CodeValidation, strings.Join(msgs, "; "), ErrValidation)
}

func Required(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Value: value, Message: "is required"}
	}
	return nil
}

func MaxLength(max int) ValidationRule {
	return func(field, value string) *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be at most %d characters", max)}
		}
		return nil
	}
}

// HTTPURL requires an absolute http(s) URL with a host. Empty values are
// left to Required.
func HTTPURL(field, value string) *ValidationError {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{Field: field, Value: value, Message: "must be an absolute http(s) URL"}
	}
	return nil
}

// AllowedHost restricts a URL's host to hosts, or any subdomain of them.
// An empty list allows everything; unparsable URLs are left to HTTPURL.
func AllowedHost(hosts []string) ValidationRule {
	return func(field, value string) *ValidationError {
		if len(hosts) == 0 {
			return nil
		}
		u, err := url.Parse(strings.TrimSpace(value))
		if err != nil || u.Host == "" {
			return nil
		}
		host := strings.ToLower(u.Hostname())
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimPrefix(h, "."))
			if host == h || strings.HasSuffix(host, "."+h) {
				return nil
			}
		}
		return &ValidationError{Field: field, Value: value, Message: "host is not allowed"}
	}
}

// OneOf accepts only the listed values. Empty values pass.
func OneOf(allowed ...string) ValidationRule {
	return func(field, value string) *ValidationError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		return &ValidationError{Field: field, Value: value, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
