package failban

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/authgate/internal/authn"
)

// Options configure ban escalation.
type Options struct {
	// MaxViolations is how many failures inside Window trigger a ban.
	MaxViolations int
	Window        time.Duration
	BanDuration   time.Duration
	// Whitelist entries are never banned; blacklist entries always are.
	Whitelist []string
	Blacklist []string
}

// Ban is an active ban as exposed to the admin API.
type Ban struct {
	Key   string    `json:"key"`
	Until time.Time `json:"until"`
}

// Manager turns repeated authentication failures into temporary bans keyed
// by client IP. It consumes resolver failure events and is consulted before
// any route handling.
type Manager struct {
	store     Store
	opts      Options
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager builds a manager. Zero option fields fall back to three
// violations in ten minutes and a fifteen minute ban.
func NewManager(store Store, opts Options, logger *zap.Logger) *Manager {
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = 3
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = 15 * time.Minute
	}
	m := &Manager{
		store:     store,
		opts:      opts,
		whitelist: make(map[string]struct{}, len(opts.Whitelist)),
		blacklist: make(map[string]struct{}, len(opts.Blacklist)),
		logger:    logger,
		now:       time.Now,
	}
	for _, ip := range opts.Whitelist {
		m.whitelist[ip] = struct{}{}
	}
	for _, ip := range opts.Blacklist {
		m.blacklist[ip] = struct{}{}
	}
	return m
}

var _ authn.FailureSink = (*Manager)(nil)

// HandleFailure records one violation and escalates to a ban once the
// violation count inside the window reaches the threshold.
func (m *Manager) HandleFailure(ctx context.Context, event authn.FailureEvent) {
	if event.RemoteIP == "" {
		return
	}
	if _, ok := m.whitelist[event.RemoteIP]; ok {
		return
	}

	at := event.At
	if at.IsZero() {
		at = m.now().UTC()
	}
	count, err := m.store.AddViolation(ctx, event.RemoteIP, at, m.opts.Window)
	if err != nil {
		m.log().Warn("violation persist failed", zap.String("remote_ip", event.RemoteIP), zap.Error(err))
		return
	}
	if count < m.opts.MaxViolations {
		return
	}

	until := at.Add(m.opts.BanDuration)
	if err := m.store.Ban(ctx, event.RemoteIP, until); err != nil {
		m.log().Warn("ban persist failed", zap.String("remote_ip", event.RemoteIP), zap.Error(err))
		return
	}
	// Reset the counter so the next escalation needs a fresh run of failures.
	_ = m.store.ClearViolations(ctx, event.RemoteIP)

	m.log().Warn("client banned",
		zap.String("remote_ip", event.RemoteIP),
		zap.String("path", event.Path),
		zap.String("driver", event.Driver),
		zap.Int("violations", count),
		zap.Time("until", until),
	)
}

// IsBanned reports whether key is currently blocked. Blacklist and whitelist
// entries short-circuit the store.
func (m *Manager) IsBanned(ctx context.Context, key string) bool {
	if _, ok := m.blacklist[key]; ok {
		return true
	}
	if _, ok := m.whitelist[key]; ok {
		return false
	}
	until, ok, err := m.store.BanExpiry(ctx, key)
	if err != nil {
		m.log().Warn("ban lookup failed", zap.String("remote_ip", key), zap.Error(err))
		return false
	}
	return ok && m.now().Before(until)
}

// BanFor places an operator ban on key.
func (m *Manager) BanFor(ctx context.Context, key string, d time.Duration) (Ban, error) {
	if d <= 0 {
		d = m.opts.BanDuration
	}
	until := m.now().UTC().Add(d)
	if err := m.store.Ban(ctx, key, until); err != nil {
		return Ban{}, err
	}
	m.log().Info("operator ban", zap.String("key", key), zap.Time("until", until))
	return Ban{Key: key, Until: until}, nil
}

// Unban lifts an active ban and clears the violation history.
func (m *Manager) Unban(ctx context.Context, key string) error {
	if err := m.store.Unban(ctx, key); err != nil {
		return err
	}
	return m.store.ClearViolations(ctx, key)
}

// ListBans returns active bans sorted by the admin handler.
func (m *Manager) ListBans(ctx context.Context) ([]Ban, error) {
	raw, err := m.store.ListBans(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	bans := make([]Ban, 0, len(raw))
	for key, until := range raw {
		if now.Before(until) {
			bans = append(bans, Ban{Key: key, Until: until})
		}
	}
	return bans, nil
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}
