package dedup

import (
	"sync"

	"github.com/talkincode/toughqos/internal/qos/classifier"
	"github.com/talkincode/toughqos/internal/qos/wire"
)

// RuleTable remembers the last rewrite pushed for every match. Entries are kept
// for the lifetime of the process and only ever updated.
//
// The key is the whole match, so two distinct matches can never shadow each other.
type RuleTable struct {
	mu    sync.Mutex
	rules map[wire.TrafficRuleMatch]uint8
}

func NewRuleTable() *RuleTable {
	return &RuleTable{rules: make(map[wire.TrafficRuleMatch]uint8)}
}

// Check reports whether rule is already in effect. A false result means the
// rule is new or its rewrite changed; the table is updated and the caller
// must push it.
func (t *RuleTable) Check(rule classifier.TrafficRule) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.rules[rule.Match]
	if ok && prev == rule.Rewrite {
		return true
	}
	t.rules[rule.Match] = rule.Rewrite
	return false
}

// Filter returns the rules that need a push, in input order.
func (t *RuleTable) Filter(rules []classifier.TrafficRule) []classifier.TrafficRule {
	var out []classifier.TrafficRule
	for _, r := range rules {
		if !t.Check(r) {
			out = append(out, r)
		}
	}
	return out
}

// Rewrite returns the last pushed rewrite for m.
func (t *RuleTable) Rewrite(m wire.TrafficRuleMatch) (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rules[m]
	return v, ok
}

func (t *RuleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rules)
}
