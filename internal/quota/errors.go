package quota

import (
	"errors"
	"fmt"
)

// Error codes reported to callers when a question cannot be paid for.
const (
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeBundleQuotaExceeded = "BUNDLE_QUOTA_EXCEEDED"
)

var (
	// ErrUserNotFound means the subject user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrQuotaExhausted means the free allowance for the month is used up.
	ErrQuotaExhausted = errors.New("free quota exhausted")
	// ErrInsufficientQuota means a bundle cannot cover the requested amount.
	ErrInsufficientQuota = errors.New("insufficient quota in bundle")
	// ErrBundleNotFound means the referenced bundle does not exist.
	ErrBundleNotFound = errors.New("bundle not found")
	// ErrSweepInProgress means another monthly reset is already running.
	ErrSweepInProgress = errors.New("monthly reset already in progress")
	// ErrUserExists means another user already has the email address.
	ErrUserExists = errors.New("user already exists")
)

// ValidationError reports malformed input rejected before any quota work.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// QuotaExceededError reports that no quota source can pay for a question.
type QuotaExceededError struct {
	Code      string
	Message   string
	FreeUsed  int
	FreeLimit int
	Bundles   []BundleSummary
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match QuotaExceededError against the underlying
// exhaustion sentinels.
func (e *QuotaExceededError) Is(target error) bool {
	switch e.Code {
	case CodeQuotaExceeded:
		return target == ErrQuotaExhausted
	case CodeBundleQuotaExceeded:
		return target == ErrInsufficientQuota
	}
	return false
}

// FreeUsageDetails is the payload of a QUOTA_EXCEEDED failure.
type FreeUsageDetails struct {
	FreeQuotaUsed        int  `json:"freeQuotaUsed"`
	FreeQuotaLimit       int  `json:"freeQuotaLimit"`
	RequiresSubscription bool `json:"requiresSubscription"`
}

// BundleDetails is the payload of a BUNDLE_QUOTA_EXCEEDED failure.
type BundleDetails struct {
	Bundles []BundleSummary `json:"bundles"`
}

// Details returns the caller-facing payload for the failure.
func (e *QuotaExceededError) Details() any {
	if e.Code == CodeBundleQuotaExceeded {
		bundles := e.Bundles
		if bundles == nil {
			bundles = []BundleSummary{}
		}
		return BundleDetails{Bundles: bundles}
	}
	return FreeUsageDetails{
		FreeQuotaUsed:        e.FreeUsed,
		FreeQuotaLimit:       e.FreeLimit,
		RequiresSubscription: true,
	}
}

func freeQuotaExceeded(used int) *QuotaExceededError {
	return &QuotaExceededError{
		Code:      CodeQuotaExceeded,
		Message:   "You have exceeded your free monthly quota. Please subscribe to a bundle to continue.",
		FreeUsed:  used,
		FreeLimit: FreeLimit,
	}
}

func bundleQuotaExceeded(bundles []Bundle) *QuotaExceededError {
	summaries := make([]BundleSummary, 0, len(bundles))
	for _, b := range bundles {
		summaries = append(summaries, b.Summary())
	}
	return &QuotaExceededError{
		Code:    CodeBundleQuotaExceeded,
		Message: "All your subscription bundles have exhausted their quota.",
		Bundles: summaries,
	}
}

// GenerationError wraps a failure of the answer generator. No quota is
// consumed when it is returned.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate answer: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
