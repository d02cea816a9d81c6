package rules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/finsim/finsim/internal/core/iso8583"
)

// Format constrains a field's content class and length range.
// Type is one of "numeric", "alpha", "alphanumeric" or "any".
type Format struct {
	Type string `json:"type" yaml:"type"`
	Min  int    `json:"min" yaml:"min"`
	Max  int    `json:"max" yaml:"max"`
}

// FieldRules is one layer of constraints keyed by field number. All
// configured checks for a field run independently; none short-circuits.
type FieldRules struct {
	Required []int                  `json:"required" yaml:"required"`
	Formats  map[int]Format         `json:"formats" yaml:"formats"`
	Values   map[int][]string       `json:"values" yaml:"values"`
	Lengths  map[int]int            `json:"lengths" yaml:"lengths"`
	Patterns map[int]*regexp.Regexp `json:"-" yaml:"-"`
}

// RuleSet is the full validation configuration: global rules plus
// per-message-type overrides merged additively on top of them.
type RuleSet struct {
	Global FieldRules
	PerMTI map[string]FieldRules
}

// Result reports the outcome of validating one message. Errors holds every
// violation found, not just the first.
type Result struct {
	Valid  bool
	Errors []string
}

// Effective merges the override layer for the given MTI over the global
// rules. Overrides add or replace entries per field key; they never remove a
// global requirement. Unknown MTIs get the global rules unchanged.
func (rs *RuleSet) Effective(mti string) FieldRules {
	override, ok := rs.PerMTI[mti]
	if !ok {
		return rs.Global
	}

	merged := FieldRules{
		Required: mergeRequired(rs.Global.Required, override.Required),
		Formats:  map[int]Format{},
		Values:   map[int][]string{},
		Lengths:  map[int]int{},
		Patterns: map[int]*regexp.Regexp{},
	}
	for k, v := range rs.Global.Formats {
		merged.Formats[k] = v
	}
	for k, v := range override.Formats {
		merged.Formats[k] = v
	}
	for k, v := range rs.Global.Values {
		merged.Values[k] = v
	}
	for k, v := range override.Values {
		merged.Values[k] = v
	}
	for k, v := range rs.Global.Lengths {
		merged.Lengths[k] = v
	}
	for k, v := range override.Lengths {
		merged.Lengths[k] = v
	}
	for k, v := range rs.Global.Patterns {
		merged.Patterns[k] = v
	}
	for k, v := range override.Patterns {
		merged.Patterns[k] = v
	}
	return merged
}

func mergeRequired(global, override []int) []int {
	seen := map[int]bool{}
	for _, n := range global {
		seen[n] = true
	}
	for _, n := range override {
		seen[n] = true
	}
	merged := make([]int, 0, len(seen))
	for n := range seen {
		merged = append(merged, n)
	}
	sort.Ints(merged)
	return merged
}

// Validate evaluates the message against the rule set. The message is never
// mutated; the result is advisory and the caller decides whether to reject.
func Validate(msg *iso8583.Message, rs *RuleSet) Result {
	if rs == nil {
		return Result{Valid: true}
	}

	effective := rs.Effective(msg.MTI())
	var errs []string

	for _, n := range effective.Required {
		value, err := msg.GetString(n)
		if err != nil || value == "" {
			errs = append(errs, fmt.Sprintf("field %d: required but missing or empty", n))
		}
	}

	for _, n := range sortedKeys(effective.Formats) {
		format := effective.Formats[n]
		value, err := msg.GetString(n)
		if err != nil {
			continue // presence is the required-check's concern
		}
		errs = append(errs, checkFormat(n, value, format)...)
	}

	for _, n := range sortedKeys(effective.Values) {
		value, err := msg.GetString(n)
		if err != nil {
			continue
		}
		if !contains(effective.Values[n], value) {
			errs = append(errs, fmt.Sprintf("field %d: value %q not in allowed set", n, value))
		}
	}

	for _, n := range sortedKeys(effective.Lengths) {
		value, err := msg.GetString(n)
		if err != nil {
			continue
		}
		if want := effective.Lengths[n]; len(value) != want {
			errs = append(errs, fmt.Sprintf("field %d: length %d, expected exactly %d", n, len(value), want))
		}
	}

	for _, n := range sortedKeys(effective.Patterns) {
		value, err := msg.GetString(n)
		if err != nil {
			continue
		}
		if pattern := effective.Patterns[n]; !pattern.MatchString(value) {
			errs = append(errs, fmt.Sprintf("field %d: value %q does not match pattern %s", n, value, pattern))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func checkFormat(n int, value string, format Format) []string {
	var errs []string
	switch format.Type {
	case "numeric":
		for i := 0; i < len(value); i++ {
			if value[i] < '0' || value[i] > '9' {
				errs = append(errs, fmt.Sprintf("field %d: non-numeric character at position %d", n, i))
				break
			}
		}
	case "alpha":
		for i := 0; i < len(value); i++ {
			c := value[i]
			if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
				errs = append(errs, fmt.Sprintf("field %d: non-alpha character at position %d", n, i))
				break
			}
		}
	case "alphanumeric":
		for i := 0; i < len(value); i++ {
			c := value[i]
			if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
				errs = append(errs, fmt.Sprintf("field %d: non-alphanumeric character at position %d", n, i))
				break
			}
		}
	}
	if format.Min > 0 && len(value) < format.Min {
		errs = append(errs, fmt.Sprintf("field %d: length %d below minimum %d", n, len(value), format.Min))
	}
	if format.Max > 0 && len(value) > format.Max {
		errs = append(errs, fmt.Sprintf("field %d: length %d above maximum %d", n, len(value), format.Max))
	}
	return errs
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}
