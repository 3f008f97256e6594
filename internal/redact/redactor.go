// Package redact applies ordered pattern rules to strings and structured
// payloads before they reach the ring, the journal, or any subscriber.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

// Privacy modes
const (
	ModeStandard = "standard"
	ModeStrict   = "strict"
)

// Placeholder substituted for strings that strict mode removes from
// structured payloads.
const placeholder = "[REDACTED]"

// maxDepth bounds structural recursion. Producers contract that metadata is
// acyclic; anything deeper than this is replaced rather than traversed.
const maxDepth = 64

// Rule is one ordered redaction rule. Replacement defaults to
// "[REDACTED:<name>]" when empty.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

type compiledRule struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// Redactor holds a compiled rule set and a privacy mode. Rule sets are
// swapped atomically by Reload so hot reloads never observe a half-applied
// configuration.
type Redactor struct {
	mu    sync.RWMutex
	mode  string
	rules []compiledRule
}

// ValidMode reports whether mode is a known privacy mode.
func ValidMode(mode string) bool {
	return mode == ModeStandard || mode == ModeStrict
}

// New compiles rules and returns a Redactor in the given mode.
func New(mode string, rules []Rule) (*Redactor, error) {
	if !ValidMode(mode) {
		return nil, fmt.Errorf("unknown privacy mode %q", mode)
	}
	compiled, err := compile(rules)
	if err != nil {
		return nil, err
	}
	return &Redactor{mode: mode, rules: compiled}, nil
}

func compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		replacement := r.Replacement
		if replacement == "" {
			replacement = "[REDACTED:" + r.Name + "]"
		}
		compiled = append(compiled, compiledRule{name: r.Name, re: re, replacement: replacement})
	}
	return compiled, nil
}

// Reload compiles and swaps in a new rule set. The previous set stays
// active if compilation fails.
func (r *Redactor) Reload(rules []Rule) error {
	compiled, err := compile(rules)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()
	return nil
}

// Mode returns the configured privacy mode.
func (r *Redactor) Mode() string { return r.mode }

// RuleCount returns the number of active rules.
func (r *Redactor) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Hash returns the hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Text redacts s. The hash is always the SHA-256 of the original. In strict
// mode the returned text is empty and redacted is true regardless of rule
// matches. In standard mode rules apply in definition order; redacted is set
// only when the output actually differs from the input.
func (r *Redactor) Text(s string) (text string, redacted bool, hash string) {
	hash = Hash(s)
	if r.mode == ModeStrict {
		return "", true, hash
	}

	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	out := s
	for _, rule := range rules {
		if rule.re.MatchString(out) {
			out = rule.re.ReplaceAllString(out, rule.replacement)
		}
	}
	if out != s {
		return out, true, hash
	}
	return s, false, hash
}

// Object returns a redacted deep copy of v. Strings pass through Text, with
// strict-mode removals replaced by "[REDACTED]"; sequences map element-wise;
// mappings clone with each value redacted; other scalars pass through.
func (r *Redactor) Object(v interface{}) interface{} {
	return r.object(v, 0)
}

func (r *Redactor) object(v interface{}, depth int) interface{} {
	if depth > maxDepth {
		return placeholder
	}
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		text, redacted, _ := r.Text(x)
		if redacted && text == "" {
			return placeholder
		}
		return text
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = r.object(val, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = r.object(val, depth+1)
		}
		return out
	default:
		return r.objectReflect(v, depth)
	}
}

// objectReflect handles in-process producers that pass typed maps or slices
// (map[string]string, []string) instead of the generic JSON shapes.
func (r *Redactor) objectReflect(v interface{}, depth int) interface{} {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = r.object(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = r.object(rv.Index(i).Interface(), depth+1)
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return r.object(rv.Elem().Interface(), depth+1)
	default:
		return v
	}
}

// DefaultRules is the rule set used when configuration supplies none.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "api-key", Pattern: `(?i)(api[_-]?key|secret|token)\s*[:=]\s*\S+`},
		{Name: "bearer", Pattern: `(?i)bearer\s+[A-Za-z0-9._~+/\-]+=*`},
		{Name: "openai-key", Pattern: `sk-[A-Za-z0-9]{20,}`},
		{Name: "aws-access-key", Pattern: `AKIA[0-9A-Z]{16}`},
		{Name: "email", Pattern: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
	}
}
