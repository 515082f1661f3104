package interceptor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RequestRule overrides default forwarding for requests whose URL matches
// Pattern.
type RequestRule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Action   Action `json:"action"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`

	// compiled regex for /.../ patterns; nil when the pattern is a literal
	// substring or failed to compile
	compiledRegex *regexp.Regexp
	regexInvalid  bool
}

type ruleJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Pattern  string          `json:"pattern"`
	Action   json.RawMessage `json:"action"`
	Enabled  bool            `json:"enabled"`
	Priority int             `json:"priority"`
}

// UnmarshalJSON decodes a rule, resolving the tagged action.
func (r *RequestRule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	action, err := UnmarshalAction(raw.Action)
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.Name, err)
	}

	*r = RequestRule{
		ID:       raw.ID,
		Name:     raw.Name,
		Pattern:  raw.Pattern,
		Action:   action,
		Enabled:  raw.Enabled,
		Priority: raw.Priority,
	}
	return nil
}

// IsRegex reports whether the pattern is delimited by slashes.
func (r *RequestRule) IsRegex() bool {
	return len(r.Pattern) >= 2 && strings.HasPrefix(r.Pattern, "/") && strings.HasSuffix(r.Pattern, "/")
}

func (r *RequestRule) compile() {
	r.compiledRegex = nil
	r.regexInvalid = false
	if !r.IsRegex() {
		return
	}
	re, err := regexp.Compile(r.Pattern[1 : len(r.Pattern)-1])
	if err != nil {
		r.regexInvalid = true
		return
	}
	r.compiledRegex = re
}

// Matches reports whether the rule's pattern matches rawURL. A malformed
// regex never matches.
func (r *RequestRule) Matches(rawURL string) bool {
	if r.IsRegex() {
		if r.compiledRegex == nil && !r.regexInvalid {
			r.compile()
		}
		if r.compiledRegex == nil {
			return false
		}
		return r.compiledRegex.MatchString(rawURL)
	}
	return strings.Contains(rawURL, r.Pattern)
}

// RuleEngine holds rules ordered by descending priority. Rules with equal
// priority keep insertion order.
type RuleEngine struct {
	mu    sync.RWMutex
	rules []*RequestRule
}

// NewRuleEngine creates an empty RuleEngine.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

// Add inserts a rule and re-sorts. A rule without an id gets one; adding a
// rule whose id already exists replaces it. The stored rule is returned.
func (e *RuleEngine) Add(r RequestRule) RequestRule {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Action == nil {
		r.Action = BlockAction{}
	}
	r.compile()
	rule := &r

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = slices.DeleteFunc(e.rules, func(x *RequestRule) bool { return x.ID == r.ID })
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})

	return *rule
}

// Remove deletes the rule with id. It reports whether a rule was removed.
func (e *RuleEngine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := len(e.rules)
	e.rules = slices.DeleteFunc(e.rules, func(x *RequestRule) bool { return x.ID == id })
	return len(e.rules) != before
}

// Replace swaps in a whole new rule list.
func (e *RuleEngine) Replace(rules []RequestRule) {
	next := NewRuleEngine()
	for _, r := range rules {
		next.Add(r)
	}

	e.mu.Lock()
	e.rules = next.rules
	e.mu.Unlock()
}

// Rules returns the rules in evaluation order.
func (e *RuleEngine) Rules() []RequestRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RequestRule, len(e.rules))
	for i, r := range e.rules {
		out[i] = *r
	}
	return out
}

// Count returns the number of rules.
func (e *RuleEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Match returns the first enabled rule matching rawURL.
func (e *RuleEngine) Match(rawURL string) (RequestRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.Enabled && r.Matches(rawURL) {
			return *r, true
		}
	}
	return RequestRule{}, false
}
