package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Rule binds a fixed-window quota to a path prefix. When several rules match
// a request path the longest prefix wins, and each rule keeps its own
// counters so traffic against one rule never consumes another's quota.
type Rule struct {
	Pattern        string        `yaml:"pattern"`
	Limit          int           `yaml:"limit"`
	Window         time.Duration `yaml:"window"`
	SkipSuccessful bool          `yaml:"skip_successful"`
}

// Decision reports the outcome of a reservation against the matched rule.
type Decision struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetAt        time.Time
	SkipSuccessful bool
}

// maxKeysPerRule caps tracked client keys per rule. When the cap is hit the
// oldest-inserted key is evicted, which deliberately favors bounded memory
// over strict fairness for extremely high-cardinality key spaces.
const maxKeysPerRule = 10000

type window struct {
	start time.Time
	count int
}

type bucket struct {
	rule    Rule
	mu      sync.Mutex
	windows map[string]*window
	order   []string
}

// Limiter enforces per-rule fixed-window quotas keyed by client identity.
type Limiter struct {
	buckets []*bucket
	maxKeys int
	now     func() time.Time
}

// NewLimiter compiles the rule set. Rules with a non-positive limit or
// window are dropped.
func NewLimiter(rules []Rule) *Limiter {
	l := &Limiter{maxKeys: maxKeysPerRule, now: time.Now}
	for _, r := range rules {
		if r.Limit <= 0 || r.Window <= 0 || r.Pattern == "" {
			continue
		}
		l.buckets = append(l.buckets, &bucket{rule: r, windows: make(map[string]*window)})
	}
	// Longest prefix first so match() can return the first hit.
	sort.SliceStable(l.buckets, func(i, j int) bool {
		return len(l.buckets[i].rule.Pattern) > len(l.buckets[j].rule.Pattern)
	})
	return l
}

func (l *Limiter) match(path string) *bucket {
	for _, b := range l.buckets {
		if strings.HasPrefix(path, b.rule.Pattern) {
			return b
		}
	}
	return nil
}

// Reserve consumes one unit of the matched rule's quota for key. The second
// return value is false when no rule covers the path, in which case the
// request is exempt.
func (l *Limiter) Reserve(path, key string) (Decision, bool) {
	b := l.match(path)
	if b == nil {
		return Decision{Allowed: true}, false
	}

	now := l.now()
	start := now.Truncate(b.rule.Window)

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[key]
	if !ok {
		if len(b.windows) >= l.maxKeys {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.windows, oldest)
		}
		w = &window{start: start}
		b.windows[key] = w
		b.order = append(b.order, key)
	}
	if !w.start.Equal(start) {
		w.start = start
		w.count = 0
	}

	d := Decision{
		Limit:          b.rule.Limit,
		ResetAt:        start.Add(b.rule.Window),
		SkipSuccessful: b.rule.SkipSuccessful,
	}
	if w.count >= b.rule.Limit {
		d.Allowed = false
		d.Remaining = 0
		return d, true
	}
	w.count++
	d.Allowed = true
	d.Remaining = b.rule.Limit - w.count
	return d, true
}

// Refund returns one previously reserved unit, used by skip-successful rules
// after the request completed without error. Refunds against an expired or
// evicted window are no-ops.
func (l *Limiter) Refund(path, key string) {
	b := l.match(path)
	if b == nil {
		return
	}

	now := l.now()
	start := now.Truncate(b.rule.Window)

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[key]
	if !ok || !w.start.Equal(start) || w.count == 0 {
		return
	}
	w.count--
}
