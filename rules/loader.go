package rules

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// definition is the YAML shape of a rule. Enabled is a pointer so an omitted
// key means enabled.
type definition struct {
	Name        string         `yaml:"name"`
	Type        RuleType       `yaml:"type"`
	Description string         `yaml:"description"`
	Category    string         `yaml:"category"`
	Condition   string         `yaml:"condition"`
	Operator    Operator       `yaml:"operator"`
	Evaluator   string         `yaml:"evaluator"`
	Rules       []definition   `yaml:"rules"`
	Metadata    map[string]any `yaml:"metadata"`
	Priority    int            `yaml:"priority"`
	Enabled     *bool          `yaml:"enabled"`
}

type definitionFile struct {
	Rules []definition `yaml:"rules"`
}

func (d definition) toRule() *Rule {
	rule := &Rule{
		Name:        d.Name,
		Type:        d.Type,
		Description: d.Description,
		Category:    d.Category,
		Condition:   d.Condition,
		Operator:    d.Operator,
		Evaluator:   d.Evaluator,
		Metadata:    d.Metadata,
		Priority:    d.Priority,
		Enabled:     d.Enabled == nil || *d.Enabled,
	}
	for _, child := range d.Rules {
		rule.Rules = append(rule.Rules, child.toRule())
	}
	return rule
}

// LoadDefinitions parses a YAML document of the form
//
//	rules:
//	  - name: has-content
//	    type: simple
//	    condition: exists(data.content)
func LoadDefinitions(r io.Reader) ([]*Rule, error) {
	var file definitionFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse rule definitions: %w", err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for _, d := range file.Rules {
		rules = append(rules, d.toRule())
	}
	return rules, nil
}

// Seed creates every rule that does not exist yet and returns how many were
// created. Existing names are left untouched.
func (s *Store) Seed(ctx context.Context, rules []*Rule) (int, error) {
	created := 0
	for _, rule := range rules {
		_, _, err := s.Create(ctx, rule)
		if errors.Is(err, ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to seed rule %s: %w", rule.Name, err)
		}
		created++
	}
	return created, nil
}
