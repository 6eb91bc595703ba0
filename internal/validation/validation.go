// Package validation holds the naming rules shared by the metric builder,
// the logger provisioner and the monitor decorator.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxMetricNameLength is the longest accepted metric name.
const MaxMetricNameLength = 64

// DefaultFilename is returned by SanitizeFilename when nothing usable is left.
const DefaultFilename = "default"

var (
	// ErrInvalidName matches every *InvalidNameError.
	ErrInvalidName = errors.New("validation: invalid metric name")

	metricNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)
	unsafeFilename    = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)
)

// Rules reported by InvalidNameError.
const (
	RuleEmpty     = "must not be empty"
	RuleTooLong   = "must be at most 64 characters"
	RuleFirstChar = "must start with [A-Za-z_]"
	RuleCharset   = "must contain only [A-Za-z0-9_]"
)

// InvalidNameError carries the rejected value and the rule it broke.
type InvalidNameError struct {
	Value string
	Rule  string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid metric name %q: %s", e.Value, e.Rule)
}

func (e *InvalidNameError) Is(target error) bool { return target == ErrInvalidName }

// MetricName returns name unchanged when it is a valid metric name.
// Names end up as label values, so they are checked once, up front, to keep
// label cardinality bounded.
func MetricName(name string) (string, error) {
	if metricNamePattern.MatchString(name) {
		return name, nil
	}
	return "", &InvalidNameError{Value: name, Rule: violatedRule(name)}
}

func violatedRule(name string) string {
	switch {
	case name == "":
		return RuleEmpty
	case len(name) > MaxMetricNameLength:
		return RuleTooLong
	}
	c := name[0]
	if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		return RuleFirstChar
	}
	return RuleCharset
}

// SanitizeFilename turns an arbitrary name into a single safe path segment.
// Directory components are dropped, anything outside [A-Za-z0-9_.-] becomes
// '_', and an empty (or dot-only) result falls back to DefaultFilename.
func SanitizeFilename(name string) string {
	segment := lastSegment(name)
	if segment == "." || segment == ".." {
		segment = ""
	}
	safe := unsafeFilename.ReplaceAllString(segment, "_")
	if safe == "" {
		return DefaultFilename
	}
	return safe
}

func lastSegment(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}
