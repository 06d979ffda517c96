// Package policy decides whether a link may be resolved at a given instant.
//
// Evaluation is pure and runs on every request against the freshly read
// record. Check order is part of the contract: a dead link is reported before
// any password gate.
package policy

import (
	"math"
	"time"

	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/models"
)

// Result is the outcome of evaluating a link
type Result int

const (
	Resolvable Result = iota
	Inactive
	Expired
	ClickLimitReached
	PasswordRequired
)

func (r Result) String() string {
	switch r {
	case Resolvable:
		return "resolvable"
	case Inactive:
		return "inactive"
	case Expired:
		return "expired"
	case ClickLimitReached:
		return "click_limit_reached"
	case PasswordRequired:
		return "password_required"
	default:
		return "unknown"
	}
}

// Err maps a denial to its application error. Inactive deliberately maps to
// NotFound so that a deactivated slug is indistinguishable from one never issued.
func (r Result) Err() error {
	switch r {
	case Inactive:
		return apperr.ErrNotFound
	case Expired:
		return apperr.ErrExpired
	case ClickLimitReached:
		return apperr.ErrClickLimitReached
	case PasswordRequired:
		return apperr.ErrPasswordRequired
	default:
		return nil
	}
}

// Evaluate returns the policy state of link at now.
// PasswordRequired means the link is otherwise resolvable but gated; the caller
// decides between challenging and verifying a supplied credential.
func Evaluate(link *models.Link, now time.Time) Result {
	switch {
	case !link.Active:
		return Inactive
	case isExpired(link, now):
		return Expired
	case isClickLimitReached(link):
		return ClickLimitReached
	case link.HasPassword():
		return PasswordRequired
	default:
		return Resolvable
	}
}

// Flags are the derived policy fields exposed by the info endpoint
type Flags struct {
	IsExpired           bool   `json:"isExpired"`
	IsClickLimitReached bool   `json:"isClickLimitReached"`
	IsAccessible        bool   `json:"isAccessible"`
	RequiresPassword    bool   `json:"requiresPassword"`
	RemainingClicks     *int64 `json:"remainingClicks"`
	DaysUntilExpiration *int   `json:"daysUntilExpiration"`
}

// Describe derives the informational flags for link at now without side effects
func Describe(link *models.Link, now time.Time) Flags {
	f := Flags{
		IsExpired:           isExpired(link, now),
		IsClickLimitReached: isClickLimitReached(link),
		RequiresPassword:    link.HasPassword(),
	}
	f.IsAccessible = link.Active && !f.IsExpired && !f.IsClickLimitReached

	if link.ClickLimit != nil {
		remaining := *link.ClickLimit - link.ClickCount
		if remaining < 0 {
			remaining = 0
		}
		f.RemainingClicks = &remaining
	}

	if link.ExpiresAt != nil {
		days := 0
		if left := link.ExpiresAt.Sub(now); left > 0 {
			days = int(math.Ceil(left.Hours() / 24))
		}
		f.DaysUntilExpiration = &days
	}

	return f
}

func isExpired(link *models.Link, now time.Time) bool {
	return link.ExpiresAt != nil && now.After(*link.ExpiresAt)
}

func isClickLimitReached(link *models.Link) bool {
	return link.ClickLimit != nil && link.ClickCount >= *link.ClickLimit
}
