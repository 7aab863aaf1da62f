package authn

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/domain"
)

// ResolveError carries the HTTP status a rejected resolution maps to.
type ResolveError struct {
	Status int
	Reason string
}

func (e *ResolveError) Error() string {
	return e.Reason
}

func unauthorized(reason string) *ResolveError {
	return &ResolveError{Status: http.StatusUnauthorized, Reason: reason}
}

// Resolver matches requests against path rules and runs the configured
// credential drivers. Paths no rule covers fall back to a global policy:
// every registered driver runs with authentication optional, so a valid
// credential still attaches an identity for downstream handlers.
type Resolver struct {
	drivers  map[string]Driver
	rules    []*rule
	fallback *rule
	sink     FailureSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver compiles the rule set. Every rule must reference registered
// drivers only.
func NewResolver(drivers []Driver, rules []RuleConfig, sink FailureSink, logger *zap.Logger) (*Resolver, error) {
	r := &Resolver{
		drivers: make(map[string]Driver, len(drivers)),
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
	names := make([]string, 0, len(drivers))
	for _, d := range drivers {
		r.drivers[d.Name()] = d
		names = append(names, d.Name())
	}
	r.fallback = &rule{config: RuleConfig{Drivers: names, Strategy: StrategyAny, Optional: true}}
	for i, cfg := range rules {
		compiled, err := compileRule(cfg, i)
		if err != nil {
			return nil, err
		}
		if len(compiled.config.Drivers) == 0 {
			return nil, fmt.Errorf("rule %d: at least one driver is required", i)
		}
		for _, name := range compiled.config.Drivers {
			if _, ok := r.drivers[name]; !ok {
				return nil, fmt.Errorf("rule %d: unknown driver %q", i, name)
			}
		}
		r.rules = append(r.rules, compiled)
	}
	return r, nil
}

// Match returns the most specific rule covering path, or nil.
func (r *Resolver) Match(path string) *RuleConfig {
	if best := r.match(path); best != nil {
		cfg := best.config
		return &cfg
	}
	return nil
}

func (r *Resolver) match(path string) *rule {
	var best *rule
	for _, candidate := range r.rules {
		if candidate.matches(path) && candidate.beats(best) {
			best = candidate
		}
	}
	return best
}

// Resolve authenticates the request against the best-matching rule, or the
// global fallback policy when no rule covers the path. A nil identity with a
// nil error means the request is allowed anonymously.
func (r *Resolver) Resolve(c *gin.Context) (*domain.Identity, *ResolveError) {
	path := c.Request.URL.Path
	matched := r.match(path)
	if matched == nil {
		matched = r.fallback
	}

	switch matched.config.Strategy {
	case StrategyPriority:
		return r.resolvePriority(c, matched)
	default:
		return r.resolveAny(c, matched)
	}
}

type driverFailure struct {
	driver string
	err    error
}

// resolveAny accepts the first driver that succeeds and short-circuits.
// Driver failures are buffered and reach the sink only when the request is
// denied; a resolution that ends in success or anonymous passage emits no
// failure event.
func (r *Resolver) resolveAny(c *gin.Context, matched *rule) (*domain.Identity, *ResolveError) {
	var failed []driverFailure
	for _, name := range matched.config.Drivers {
		identity, err := r.drivers[name].Verify(c)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			failed = append(failed, driverFailure{driver: name, err: err})
			continue
		}
		return r.checkScopes(matched, identity)
	}
	if matched.config.Optional {
		return nil, nil
	}
	if len(failed) > 0 {
		r.reportDenied(c, failed)
		return nil, unauthorized("credential verification failed")
	}
	return nil, unauthorized("authentication required")
}

// resolvePriority lets the first driver holding a credential decide.
func (r *Resolver) resolvePriority(c *gin.Context, matched *rule) (*domain.Identity, *ResolveError) {
	for _, name := range matched.config.Drivers {
		identity, err := r.drivers[name].Verify(c)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			if matched.config.Optional {
				return nil, nil
			}
			r.reportDenied(c, []driverFailure{{driver: name, err: err}})
			return nil, unauthorized("credential verification failed")
		}
		return r.checkScopes(matched, identity)
	}
	if matched.config.Optional {
		return nil, nil
	}
	return nil, unauthorized("authentication required")
}

func (r *Resolver) checkScopes(matched *rule, identity *domain.Identity) (*domain.Identity, *ResolveError) {
	for _, scope := range matched.config.Scopes {
		if !identity.HasScope(scope) {
			return nil, &ResolveError{Status: http.StatusForbidden, Reason: fmt.Sprintf("missing required scope %q", scope)}
		}
	}
	return identity, nil
}

// reportDenied emits one failure event for the denied request. The first
// rejection names the event's driver so repeated denials count one violation
// per request, not one per driver tried.
func (r *Resolver) reportDenied(c *gin.Context, failed []driverFailure) {
	for _, f := range failed {
		r.log().Debug("credential rejected",
			zap.String("driver", f.driver),
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_ip", c.ClientIP()),
			zap.Error(f.err),
		)
	}
	if r.sink == nil {
		return
	}
	first := failed[0]
	r.sink.HandleFailure(c.Request.Context(), FailureEvent{
		RemoteIP: c.ClientIP(),
		Path:     c.Request.URL.Path,
		Driver:   first.driver,
		Reason:   first.err.Error(),
		At:       r.now().UTC(),
	})
}

func (r *Resolver) log() *zap.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return zap.L()
}
