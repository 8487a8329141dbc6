// Package guard implements the anti-abuse checks that run before a
// purchase is accepted: a fixed-window rate limiter, a purchase
// cooldown, duplicate-purchase detection, a suspicious-activity
// tracker, and buyer profile validation. All state is in-memory;
// the maintenance sweeper prunes closed windows and stale anchors.
package guard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keymint/internal/config"
	"keymint/internal/store"
	"keymint/pkg/contracts/domain"
)

// suspiciousPatterns are matched case-insensitively as substrings of
// the username when the account has no avatar.
var suspiciousPatterns = []string{"bot", "test", "fake", "spam"}

type rateKey struct {
	userID  string
	command string
}

type rateWindow struct {
	count     int
	resetTime time.Time
}

type activityEvent struct {
	label string
	at    time.Time
}

// DuplicateCheck is the outcome of CheckDuplicatePurchase.
type DuplicateCheck struct {
	IsDuplicate bool
	Reason      string
}

// ValidationResult is the outcome of ValidateUser. Invalid users are
// never rejected outright; they are routed to manual review.
type ValidationResult struct {
	IsValid              bool
	Reason               string
	RequiresManualReview bool
}

// Guard holds the in-memory abuse state. Safe for concurrent use.
type Guard struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	rates      map[rateKey]*rateWindow
	cooldowns  map[string]time.Time
	suspicious map[string][]activityEvent
}

// New creates a Guard backed by the given store for duplicate checks.
func New(st store.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:      st,
		logger:     logger.With(slog.String("component", "guard")),
		now:        time.Now,
		rates:      make(map[rateKey]*rateWindow),
		cooldowns:  make(map[string]time.Time),
		suspicious: make(map[string][]activityEvent),
	}
}

// CheckRateLimit applies a fixed-window counter per (user, command)
// pair. The first call in a window resets the counter; subsequent
// calls increment it until maxRequests is reached, after which calls
// are denied until the window expires. The returned duration is how
// long a denied caller must wait.
func (g *Guard) CheckRateLimit(userID, command string, maxRequests int, window time.Duration) (bool, time.Duration) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	key := rateKey{userID: userID, command: command}
	w, exists := g.rates[key]
	if !exists || !now.Before(w.resetTime) {
		g.rates[key] = &rateWindow{count: 1, resetTime: now.Add(window)}
		return true, 0
	}

	if w.count >= maxRequests {
		return false, w.resetTime.Sub(now)
	}

	w.count++
	return true, 0
}

// CheckPurchaseCooldown allows one purchase per cooldown period. On
// success it records now as the new anchor, so an allowed call starts
// the timer even if the caller later abandons the purchase. Denied
// calls leave the anchor untouched and return the remaining wait.
func (g *Guard) CheckPurchaseCooldown(userID string, cooldown time.Duration) (bool, time.Duration) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if anchor, exists := g.cooldowns[userID]; exists {
		elapsed := now.Sub(anchor)
		if elapsed < cooldown {
			return false, cooldown - elapsed
		}
	}

	g.cooldowns[userID] = now
	return true, 0
}

// TrackSuspiciousActivity appends a timestamped event, prunes entries
// older than the 24h window, and reports whether the user has crossed
// the activity threshold. Pure signal: callers decide what to do.
func (g *Guard) TrackSuspiciousActivity(userID, label string) bool {
	now := g.now()
	cutoff := now.Add(-config.SuspiciousActivityWindow)

	g.mu.Lock()
	defer g.mu.Unlock()

	events := g.suspicious[userID]
	kept := events[:0]
	for _, ev := range events {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	kept = append(kept, activityEvent{label: label, at: now})
	g.suspicious[userID] = kept

	return len(kept) > config.SuspiciousActivityLimit
}

// CheckDuplicatePurchase denies a purchase when the same user already
// has a pending intent for the product created within the last ten
// minutes, or an active unexpired license for it. Lifetime products
// skip the license rule: repeat lifetime purchases are always allowed
// and double-issuance is prevented by payment-level idempotency.
// Storage failures fail open with a warning so a degraded store never
// blocks purchases.
func (g *Guard) CheckDuplicatePurchase(ctx context.Context, userID string, productType domain.ProductType) DuplicateCheck {
	now := g.now()

	pending, err := g.store.ListIntents(ctx, store.IntentFilter{
		UserID:       userID,
		ProductType:  productType,
		Status:       domain.IntentStatusPending,
		CreatedAfter: now.Add(-config.DuplicatePendingWindow),
	})
	if err != nil {
		g.logger.WarnContext(ctx, "duplicate check degraded, intent lookup failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	if len(pending) > 0 {
		return DuplicateCheck{IsDuplicate: true, Reason: config.MsgDuplicatePending}
	}

	if productType == domain.ProductTypeLifetime {
		return DuplicateCheck{}
	}

	licenses, err := g.store.ListLicenses(ctx, store.LicenseFilter{
		UserID:      userID,
		ProductType: productType,
		ActiveOnly:  true,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "duplicate check degraded, license lookup failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	for _, license := range licenses {
		if !license.ExpiredAt(now) {
			return DuplicateCheck{IsDuplicate: true, Reason: config.MsgDuplicateLicense}
		}
	}

	return DuplicateCheck{}
}

// ValidateUser checks the buyer profile. Accounts younger than seven
// days, and avatar-less accounts whose username contains a suspicious
// substring, are flagged for manual review. There is no outright
// rejection path.
func (g *Guard) ValidateUser(profile domain.BuyerProfile) ValidationResult {
	now := g.now()

	if profile.AccountAge(now) < config.MinAccountAge {
		return ValidationResult{
			Reason:               "account_age",
			RequiresManualReview: true,
		}
	}

	if !profile.HasAvatar {
		username := strings.ToLower(profile.Username)
		for _, pattern := range suspiciousPatterns {
			if strings.Contains(username, pattern) {
				return ValidationResult{
					Reason:               "suspicious_profile",
					RequiresManualReview: true,
				}
			}
		}
	}

	return ValidationResult{IsValid: true}
}

// Prune drops rate windows closed for more than an hour, cooldown
// anchors older than a day, and stale suspicious-activity entries.
// Returns the number of rate windows and cooldown anchors removed.
func (g *Guard) Prune() (windows, cooldowns int) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for key, w := range g.rates {
		if now.Sub(w.resetTime) > config.RateWindowRetention {
			delete(g.rates, key)
			windows++
		}
	}

	for userID, anchor := range g.cooldowns {
		if now.Sub(anchor) > config.CooldownRetention {
			delete(g.cooldowns, userID)
			cooldowns++
		}
	}

	cutoff := now.Add(-config.SuspiciousActivityWindow)
	for userID, events := range g.suspicious {
		kept := events[:0]
		for _, ev := range events {
			if ev.at.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			delete(g.suspicious, userID)
		} else {
			g.suspicious[userID] = kept
		}
	}

	return windows, cooldowns
}
