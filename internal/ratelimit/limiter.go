package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/querydeck/querydeck/pkg/logger"
)

// Tier is the rate-limit class assigned to a request based on its identity.
type Tier string

const (
	// TierAnonymous requests are keyed by client IP.
	TierAnonymous Tier = "anonymous"
	// TierAuthenticated requests are keyed by user id.
	TierAuthenticated Tier = "authenticated"
	// TierAdmin bypasses limiting entirely.
	TierAdmin Tier = "admin"
)

// Category is a coarse endpoint classification.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryDefault Category = "default"
)

// Window is the observation horizon for the sliding window.
const Window = time.Minute

// Decision is the admission verdict surfaced to clients as rate-limit
// headers. Rejections are deliberately verbose: well-behaved clients need
// the numbers to back off.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       Tier
	Category   Category
}

// Config controls per-tier and per-category ceilings (requests per window).
// A ceiling of zero means unlimited.
type Config struct {
	Limits           map[Tier]map[Category]int
	CategoryPrefixes map[string]Category
	Clock            func() time.Time
}

// DefaultLimits returns the built-in tier table. Authentication endpoints get
// tighter ceilings because they are the credential-stuffing surface.
func DefaultLimits() map[Tier]map[Category]int {
	return map[Tier]map[Category]int{
		TierAnonymous: {
			CategoryAuth:    10,
			CategoryDefault: 30,
		},
		TierAuthenticated: {
			CategoryAuth:    20,
			CategoryDefault: 120,
		},
		TierAdmin: {
			CategoryAuth:    0,
			CategoryDefault: 0,
		},
	}
}

// DefaultCategoryPrefixes maps path prefixes to endpoint categories.
func DefaultCategoryPrefixes() map[string]Category {
	return map[string]Category{
		"/api/auth": CategoryAuth,
	}
}

// Limiter gates every request through a WindowStore keyed by
// (tier, category, identity).
type Limiter struct {
	store    WindowStore
	limits   map[Tier]map[Category]int
	prefixes []prefixRule
	now      func() time.Time
	log      *zap.Logger
}

type prefixRule struct {
	prefix   string
	category Category
}

// New constructs a Limiter over the supplied store.
func New(store WindowStore, cfg Config) *Limiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits()
	}

	prefixes := cfg.CategoryPrefixes
	if prefixes == nil {
		prefixes = DefaultCategoryPrefixes()
	}

	// Longest prefix wins so /api/auth/sessions can be carved out later
	// without touching the shorter rule.
	rules := make([]prefixRule, 0, len(prefixes))
	for prefix, category := range prefixes {
		rules = append(rules, prefixRule{prefix: prefix, category: category})
	}
	sort.Slice(rules, func(i, j int) bool {
		return len(rules[i].prefix) > len(rules[j].prefix)
	})

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		store:    store,
		limits:   limits,
		prefixes: rules,
		now:      now,
		log:      logger.WithModule("ratelimit"),
	}
}

// Check admits or rejects one request. Admin requests and zero ceilings are
// never limited. Store failures admit the request: the limiter degrades to
// no limiting only when even the in-process fallback is broken.
func (l *Limiter) Check(ctx context.Context, identity, path string, tier Tier) Decision {
	category := l.Categorize(path)
	limit := l.limitFor(tier, category)

	decision := Decision{
		Allowed:  true,
		Limit:    limit,
		Tier:     tier,
		Category: category,
	}

	if tier == TierAdmin || limit <= 0 {
		return decision
	}

	key := fmt.Sprintf("%s:%s:%s", tier, category, identity)
	result, err := l.store.Take(ctx, key, limit, Window)
	if err != nil {
		l.log.Warn("rate limit store failure; admitting request",
			zap.String("key", key), zap.Error(err))
		return decision
	}

	decision.Allowed = result.Allowed
	decision.ResetAt = result.ResetAt
	decision.Remaining = limit - result.Count
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !result.Allowed {
		retry := result.ResetAt.Sub(l.now())
		if retry < time.Second {
			retry = time.Second
		}
		decision.RetryAfter = retry
	}

	return decision
}

// Categorize resolves the endpoint category for a request path.
func (l *Limiter) Categorize(path string) Category {
	for _, rule := range l.prefixes {
		if strings.HasPrefix(path, rule.prefix) {
			return rule.category
		}
	}
	return CategoryDefault
}

func (l *Limiter) limitFor(tier Tier, category Category) int {
	table, ok := l.limits[tier]
	if !ok {
		table = l.limits[TierAnonymous]
	}
	if limit, ok := table[category]; ok {
		return limit
	}
	if limit, ok := table[CategoryDefault]; ok {
		return limit
	}
	return 0
}
