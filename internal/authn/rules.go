package authn

import (
	"fmt"
	"strings"
)

// Resolution strategies.
const (
	// StrategyAny accepts the first driver that verifies successfully,
	// regardless of failures from earlier drivers.
	StrategyAny = "any"
	// StrategyPriority lets the first driver that finds a credential decide;
	// its failure is final even if a later driver could have succeeded.
	StrategyPriority = "priority"
)

// RuleConfig binds an ordered driver list to a path pattern. Patterns are
// slash-separated segments where ":name" matches one segment, "*" matches one
// segment, and a trailing "**" matches any remainder.
type RuleConfig struct {
	Pattern  string   `yaml:"pattern"`
	Drivers  []string `yaml:"drivers"`
	Strategy string   `yaml:"strategy"`
	Optional bool     `yaml:"optional"`
	Scopes   []string `yaml:"scopes"`
}

type rule struct {
	config   RuleConfig
	segments []string
	index    int

	wildcards int
	params    int
}

func compileRule(cfg RuleConfig, index int) (*rule, error) {
	pattern := strings.TrimSpace(cfg.Pattern)
	if pattern == "" || !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("rule %d: pattern %q must start with /", index, cfg.Pattern)
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyAny
	}
	if strategy != StrategyAny && strategy != StrategyPriority {
		return nil, fmt.Errorf("rule %d: unknown strategy %q", index, cfg.Strategy)
	}
	cfg.Strategy = strategy

	r := &rule{config: cfg, segments: splitPath(pattern), index: index}
	for i, seg := range r.segments {
		switch {
		case seg == "**":
			if i != len(r.segments)-1 {
				return nil, fmt.Errorf("rule %d: ** is only valid as the last segment", index)
			}
			r.wildcards++
		case seg == "*":
			r.wildcards++
		case strings.HasPrefix(seg, ":"):
			r.params++
		}
	}
	return r, nil
}

func (r *rule) matches(path string) bool {
	segs := splitPath(path)
	for i, pat := range r.segments {
		if pat == "**" {
			return true
		}
		if i >= len(segs) {
			return false
		}
		if pat == "*" || strings.HasPrefix(pat, ":") {
			continue
		}
		if pat != segs[i] {
			return false
		}
	}
	return len(segs) == len(r.segments)
}

func (r *rule) exact() bool {
	return r.wildcards == 0 && r.params == 0
}

// beats orders matching rules by specificity: an exact pattern wins over any
// templated one, then more path segments win, then fewer wildcards, then
// fewer params, and finally declaration order breaks ties.
func (r *rule) beats(other *rule) bool {
	if other == nil {
		return true
	}
	if r.exact() != other.exact() {
		return r.exact()
	}
	if len(r.segments) != len(other.segments) {
		return len(r.segments) > len(other.segments)
	}
	if r.wildcards != other.wildcards {
		return r.wildcards < other.wildcards
	}
	if r.params != other.params {
		return r.params < other.params
	}
	return r.index < other.index
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
