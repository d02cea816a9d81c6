package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleSetFile is the serialized form of a RuleSet, shared between the JSON
// and YAML loaders. Patterns travel as strings and are compiled on load.
type ruleSetFile struct {
	Global fieldRulesFile            `json:"global" yaml:"global"`
	PerMTI map[string]fieldRulesFile `json:"per_mti" yaml:"per_mti"`
}

type fieldRulesFile struct {
	Required []int             `json:"required" yaml:"required"`
	Formats  map[int]Format    `json:"formats" yaml:"formats"`
	Values   map[int][]string  `json:"values" yaml:"values"`
	Lengths  map[int]int       `json:"lengths" yaml:"lengths"`
	Patterns map[int]string    `json:"patterns" yaml:"patterns"`
}

// LoadRuleSetJSON reads a RuleSet from JSON.
func LoadRuleSetJSON(r io.Reader) (*RuleSet, error) {
	var f ruleSetFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, err
	}
	return f.build()
}

// LoadRuleSetYAML reads a RuleSet from YAML.
func LoadRuleSetYAML(r io.Reader) (*RuleSet, error) {
	var f ruleSetFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, err
	}
	return f.build()
}

func (f *ruleSetFile) build() (*RuleSet, error) {
	global, err := f.Global.build()
	if err != nil {
		return nil, err
	}
	rs := &RuleSet{Global: global, PerMTI: map[string]FieldRules{}}
	for mti, layer := range f.PerMTI {
		built, err := layer.build()
		if err != nil {
			return nil, fmt.Errorf("mti %s: %w", mti, err)
		}
		rs.PerMTI[mti] = built
	}
	return rs, nil
}

func (f *fieldRulesFile) build() (FieldRules, error) {
	rules := FieldRules{
		Required: f.Required,
		Formats:  f.Formats,
		Values:   f.Values,
		Lengths:  f.Lengths,
		Patterns: map[int]*regexp.Regexp{},
	}
	for n, expr := range f.Patterns {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return FieldRules{}, fmt.Errorf("field %d pattern %q: %w", n, expr, err)
		}
		rules.Patterns[n] = compiled
	}
	return rules, nil
}

// ParseRuleDSL parses the line-oriented rule syntax used by the driver:
//
//	REQUIRED:2,3,4
//	FORMAT:2=numeric,13,19
//	VALUE:3=010000,310000
//	LENGTH:11=6
//	PATTERN:37=^[A-Z0-9]{12}$
//	MTI:0800=REQUIRED:70
//
// Blank lines and lines starting with '#' are ignored. An MTI: prefix routes
// the remainder of the line into that message type's override layer.
func ParseRuleDSL(text string) (*RuleSet, error) {
	rs := &RuleSet{Global: emptyFieldRules(), PerMTI: map[string]FieldRules{}}

	for lineNo, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		target := &rs.Global
		if strings.HasPrefix(line, "MTI:") {
			rest := strings.TrimPrefix(line, "MTI:")
			mti, directive, ok := strings.Cut(rest, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: MTI directive missing '='", lineNo+1)
			}
			layer, exists := rs.PerMTI[mti]
			if !exists {
				layer = emptyFieldRules()
			}
			if err := applyDirective(&layer, directive, lineNo+1); err != nil {
				return nil, err
			}
			rs.PerMTI[mti] = layer
			continue
		}

		if err := applyDirective(target, line, lineNo+1); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func emptyFieldRules() FieldRules {
	return FieldRules{
		Formats:  map[int]Format{},
		Values:   map[int][]string{},
		Lengths:  map[int]int{},
		Patterns: map[int]*regexp.Regexp{},
	}
}

func applyDirective(layer *FieldRules, line string, lineNo int) error {
	keyword, rest, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("line %d: missing ':' separator", lineNo)
	}

	switch keyword {
	case "REQUIRED":
		for _, part := range strings.Split(rest, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("line %d: bad field number %q", lineNo, part)
			}
			layer.Required = append(layer.Required, n)
		}

	case "FORMAT":
		n, spec, err := splitFieldDirective(rest, lineNo)
		if err != nil {
			return err
		}
		parts := strings.Split(spec, ",")
		format := Format{Type: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			if format.Min, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
				return fmt.Errorf("line %d: bad min length %q", lineNo, parts[1])
			}
		}
		if len(parts) > 2 {
			if format.Max, err = strconv.Atoi(strings.TrimSpace(parts[2])); err != nil {
				return fmt.Errorf("line %d: bad max length %q", lineNo, parts[2])
			}
		}
		layer.Formats[n] = format

	case "VALUE":
		n, spec, err := splitFieldDirective(rest, lineNo)
		if err != nil {
			return err
		}
		values := strings.Split(spec, ",")
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		layer.Values[n] = values

	case "LENGTH":
		n, spec, err := splitFieldDirective(rest, lineNo)
		if err != nil {
			return err
		}
		length, err := strconv.Atoi(strings.TrimSpace(spec))
		if err != nil {
			return fmt.Errorf("line %d: bad length %q", lineNo, spec)
		}
		layer.Lengths[n] = length

	case "PATTERN":
		n, spec, err := splitFieldDirective(rest, lineNo)
		if err != nil {
			return err
		}
		compiled, err := regexp.Compile(spec)
		if err != nil {
			return fmt.Errorf("line %d: bad pattern %q: %w", lineNo, spec, err)
		}
		layer.Patterns[n] = compiled

	default:
		return fmt.Errorf("line %d: unknown directive %q", lineNo, keyword)
	}
	return nil
}

func splitFieldDirective(rest string, lineNo int) (int, string, error) {
	fieldPart, spec, ok := strings.Cut(rest, "=")
	if !ok {
		return 0, "", fmt.Errorf("line %d: missing '=' separator", lineNo)
	}
	n, err := strconv.Atoi(strings.TrimSpace(fieldPart))
	if err != nil {
		return 0, "", fmt.Errorf("line %d: bad field number %q", lineNo, fieldPart)
	}
	return n, spec, nil
}

// ParseResponseRules parses response-code mappings in either of the driver's
// two forms: the compact "processingCode:responseCode;..." list, or a JSON
// object {"010000": "51"}.
func ParseResponseRules(text string) (map[string]string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return map[string]string{}, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		codes := map[string]string{}
		if err := json.Unmarshal([]byte(trimmed), &codes); err != nil {
			return nil, fmt.Errorf("response rule JSON: %w", err)
		}
		return codes, nil
	}

	codes := map[string]string{}
	for _, pair := range strings.Split(trimmed, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		processing, response, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("response rule %q: missing ':'", pair)
		}
		codes[strings.TrimSpace(processing)] = strings.TrimSpace(response)
	}
	return codes, nil
}

// ParseFieldOverrides parses "field:value;..." custom-field override text
// into an injection map.
func ParseFieldOverrides(text string) (map[int]string, error) {
	overrides := map[int]string{}
	for _, pair := range strings.Split(strings.TrimSpace(text), ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		fieldPart, value, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("field override %q: missing ':'", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(fieldPart))
		if err != nil {
			return nil, fmt.Errorf("field override %q: bad field number", pair)
		}
		overrides[n] = value
	}
	return overrides, nil
}
