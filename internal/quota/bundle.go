package quota

import (
	"fmt"
	"slices"
	"time"
)

// Tier labels a bundle's purchase tier.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown bundle tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Bundle is a purchased block of quota. Values are immutable; Deduct
// returns a new bundle.
type Bundle struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Tier           Tier       `json:"tier"`
	TotalQuota     int64      `json:"totalQuota"`
	RemainingQuota int64      `json:"remainingQuota"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the bundle's expiry has passed at now.
func (b Bundle) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Active reports whether the bundle is unexpired and has quota left.
func (b Bundle) Active(now time.Time) bool {
	return !b.Expired(now) && b.RemainingQuota > 0
}

// CanDeduct reports whether amount can be drawn from the bundle at now.
func (b Bundle) CanDeduct(amount int64, now time.Time) bool {
	return amount > 0 && b.Active(now) && b.RemainingQuota >= amount
}

// Deduct returns the bundle with amount drawn from its remaining quota.
// It fails with ErrInsufficientQuota when the bundle cannot cover amount.
func (b Bundle) Deduct(amount int64, now time.Time) (Bundle, error) {
	if amount <= 0 {
		return b, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}
	if !b.CanDeduct(amount, now) {
		return b, ErrInsufficientQuota
	}
	b.RemainingQuota -= amount
	return b, nil
}

// Summary returns the diagnostic view used in quota errors.
func (b Bundle) Summary() BundleSummary {
	return BundleSummary{ID: b.ID, Tier: b.Tier, RemainingQuota: b.RemainingQuota}
}

// BundleSummary is the short form of a bundle reported to callers.
type BundleSummary struct {
	ID             string `json:"id"`
	Tier           Tier   `json:"tier"`
	RemainingQuota int64  `json:"remainingQuota"`
}

// SortForSelection orders bundles richest first, newest first on ties.
func SortForSelection(bundles []Bundle) {
	slices.SortStableFunc(bundles, func(a, b Bundle) int {
		if a.RemainingQuota != b.RemainingQuota {
			if a.RemainingQuota > b.RemainingQuota {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
