package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/services"
	"github.com/querydeck/querydeck/pkg/locks"
	"github.com/querydeck/querydeck/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSessionSpec        = "@hourly"
	defaultTokenSpec          = "@daily"
	defaultAuditSpec          = "@daily"
)

// Cleaner coordinates background maintenance: sweeping expired sessions,
// pruning dead refresh tokens and blacklist entries, and enforcing audit
// retention. None of these sweeps is needed for correctness; validity is
// checked against timestamps at read time. The sweeps only keep tables small.
type Cleaner struct {
	sessions *iauth.SessionService
	tokens   *iauth.TokenService
	audit    *services.AuditService
	cron     *cron.Cron
	locks    *locks.Manager
	now      func() time.Time
	log      *zap.Logger

	retention int

	sessionSchedule string
	tokenSchedule   string
	auditSchedule   string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(sessions *iauth.SessionService, tokens *iauth.TokenService, audit *services.AuditService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:        sessions,
		tokens:          tokens,
		audit:           audit,
		locks:           locks.NewManager(),
		now:             time.Now,
		retention:       defaultAuditRetentionDays,
		sessionSchedule: defaultSessionSpec,
		tokenSchedule:   defaultTokenSpec,
		auditSchedule:   defaultAuditSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			c.runGuarded("maintenance.sessions", func() {
				if _, err := c.sessions.CleanupExpired(context.Background()); err != nil {
					c.log.Warn("session cleanup failed", zap.Error(err))
				}
			})
		}); err != nil {
			return err
		}
	}

	if c.tokens != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			c.runGuarded("maintenance.tokens", func() {
				if _, err := c.tokens.CleanupExpired(context.Background()); err != nil {
					c.log.Warn("token cleanup failed", zap.Error(err))
				}
			})
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			c.runGuarded("maintenance.audit", func() {
				if _, err := c.audit.CleanupOlderThan(context.Background(), c.retention); err != nil {
					c.log.Warn("audit cleanup failed", zap.Error(err))
				}
			})
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// runGuarded skips a sweep when the previous run of the same job is still in
// flight rather than letting runs stack up.
func (c *Cleaner) runGuarded(name string, fn func()) {
	handle, ok := c.locks.TryAcquire(name, time.Hour)
	if !ok {
		c.log.Debug("sweep still running; skipping", zap.String("job", name))
		return
	}
	defer handle.Release()

	started := c.now()
	fn()
	c.log.Debug("sweep finished",
		zap.String("job", name),
		zap.Duration("elapsed", c.now().Sub(started)))
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.tokens != nil {
		if _, err := c.tokens.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
