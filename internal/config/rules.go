package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arbiterlabs/observer/internal/redact"
)

// rulesDocument is the shape of the privacy rule file. A bare list of rules
// is also accepted.
type rulesDocument struct {
	Rules []redact.Rule `yaml:"rules"`
}

// LoadRules reads and validates a privacy rule file. The file is either a
// document with a top-level "rules" list or a bare YAML list.
func LoadRules(path string) ([]redact.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}

	var doc rulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		var bare []redact.Rule
		if bareErr := yaml.Unmarshal(data, &bare); bareErr != nil {
			return nil, fmt.Errorf("parse rules %s: %w", path, err)
		}
		doc.Rules = bare
	}

	// Compiling validates every pattern before the caller swaps them in.
	if _, err := redact.New(redact.ModeStandard, doc.Rules); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

// EffectiveRules merges the inline rules with the rule file, file rules
// last, falling back to the built-in defaults when neither is configured.
func (c *Config) EffectiveRules() ([]redact.Rule, error) {
	rules := append([]redact.Rule(nil), c.Privacy.Rules...)
	if c.Privacy.RulesFile != "" {
		fileRules, err := LoadRules(c.Privacy.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	if len(rules) == 0 {
		rules = redact.DefaultRules()
	}
	return rules, nil
}
