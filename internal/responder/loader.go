package responder

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk layout of a rule table.
type ruleFile struct {
	Rules    []Rule `yaml:"rules"`
	Fallback *Rule  `yaml:"fallback,omitempty"`
}

// LoadRules reads an ordered rule table from a YAML file.
func LoadRules(path string) ([]Rule, *Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule table. Unknown fields are rejected so
// typos in trigger lists do not go unnoticed.
func ParseRules(data []byte) ([]Rule, *Rule, error) {
	var file ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, nil, ErrNoRules
	}
	if file.Fallback != nil {
		if file.Fallback.Response == "" {
			return nil, nil, fmt.Errorf("decode rules: fallback has no response")
		}
		if !file.Fallback.Classification.Valid() {
			return nil, nil, fmt.Errorf("decode rules: fallback classification %q unknown", file.Fallback.Classification)
		}
		if file.Fallback.Confidence < 0 || file.Fallback.Confidence > 1 {
			return nil, nil, fmt.Errorf("decode rules: fallback confidence %v outside [0,1]", file.Fallback.Confidence)
		}
	}
	return file.Rules, file.Fallback, nil
}

// FromFile builds a Responder from a YAML rule table.
func FromFile(path string, opts ...Option) (*Responder, error) {
	rules, fallback, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	if fallback != nil {
		opts = append([]Option{WithFallback(*fallback)}, opts...)
	}
	return New(rules, opts...)
}
