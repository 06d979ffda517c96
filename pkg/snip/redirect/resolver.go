// Package redirect turns a public slug into a redirect, a password challenge or
// a denial, counting successful resolutions exactly once.
package redirect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/clicks"
	"github.com/mikepea/snip/pkg/snip/links"
	"github.com/mikepea/snip/pkg/snip/models"
	"github.com/mikepea/snip/pkg/snip/policy"
)

// DefaultStoreTimeout bounds each link store round trip during resolution
const DefaultStoreTimeout = 2 * time.Second

// LinkReader is the part of the link store the resolver needs
type LinkReader interface {
	FindBySlug(ctx context.Context, slug string) (*models.Link, error)
	IncrementClicks(ctx context.Context, id string, now time.Time) (bool, error)
}

// ClickSink accepts successful resolutions for asynchronous recording.
// Record must not block.
type ClickSink interface {
	Record(v clicks.Visit) bool
}

// OutcomeKind enumerates resolution results
type OutcomeKind int

const (
	OutcomeRedirect OutcomeKind = iota
	OutcomePasswordChallenge
	OutcomeDenied
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRedirect:
		return "redirect"
	case OutcomePasswordChallenge:
		return "password_challenge"
	case OutcomeDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Outcome is the result of resolving a slug
type Outcome struct {
	Kind   OutcomeKind
	URL    string
	Status int
	Denial *apperr.AppError
	Link   *models.Link
}

// Request carries the per-request inputs to resolution
type Request struct {
	// Password is nil when the caller supplied no credential
	Password  *string
	IP        string
	UserAgent string
	Referrer  string
}

// Resolver implements slug resolution
type Resolver struct {
	links   LinkReader
	sink    ClickSink
	now     func() time.Time
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithStoreTimeout sets the per-call store timeout
func WithStoreTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a resolver
func NewResolver(reader LinkReader, sink ClickSink, log *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		links:   reader,
		sink:    sink,
		now:     time.Now,
		timeout: DefaultStoreTimeout,
		log:     log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve evaluates slug against the current link record. Policy denials come
// back as an Outcome; the error is reserved for store failures, which are never
// retried here since a retry could count a click twice.
func (r *Resolver) Resolve(ctx context.Context, slug string, req Request) (Outcome, error) {
	link, err := r.lookup(ctx, slug)
	if errors.Is(err, links.ErrNotFound) {
		return r.deny(slug, nil, apperr.ErrNotFound), nil
	}
	if err != nil {
		r.log.Error("link lookup failed", "slug", slug, "error", err)
		return Outcome{}, apperr.StoreUnavailable(err)
	}

	now := r.now().UTC()
	switch result := policy.Evaluate(link, now); result {
	case policy.Resolvable:
	case policy.PasswordRequired:
		if req.Password == nil {
			return Outcome{Kind: OutcomePasswordChallenge, Link: link}, nil
		}
		if !auth.CheckPassword(*req.Password, *link.PasswordHash) {
			return r.deny(slug, link, apperr.ErrInvalidPassword), nil
		}
	default:
		var denial *apperr.AppError
		errors.As(result.Err(), &denial)
		return r.deny(slug, link, denial), nil
	}

	counted, err := r.increment(ctx, link.ID, now)
	if err != nil {
		r.log.Error("click increment failed", "slug", slug, "link_id", link.ID, "error", err)
		return Outcome{}, apperr.StoreUnavailable(err)
	}
	if !counted {
		// Lost a race against the limit or a concurrent deactivation.
		return r.deny(slug, link, r.raceDenial(ctx, slug, link, now)), nil
	}

	outcome := Outcome{
		Kind:   OutcomeRedirect,
		URL:    link.DestinationURL,
		Status: link.RedirectType,
		Link:   link,
	}
	if outcome.Status != 301 && outcome.Status != 302 {
		outcome.Status = 302
	}

	if r.sink != nil {
		visit := clicks.Visit{
			LinkID:    link.ID,
			IP:        req.IP,
			UserAgent: req.UserAgent,
			Referrer:  req.Referrer,
			At:        now,
		}
		if !r.sink.Record(visit) {
			r.log.Warn("click event dropped", "link_id", link.ID)
		}
	}
	return outcome, nil
}

// Inspect loads a link for read-only views. Inactive links are reported as not found.
func (r *Resolver) Inspect(ctx context.Context, slug string) (*models.Link, error) {
	link, err := r.lookup(ctx, slug)
	if errors.Is(err, links.ErrNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		r.log.Error("link lookup failed", "slug", slug, "error", err)
		return nil, apperr.StoreUnavailable(err)
	}
	if !link.Active {
		return nil, apperr.ErrNotFound
	}
	return link, nil
}

// Now returns the resolver's clock reading in UTC
func (r *Resolver) Now() time.Time {
	return r.now().UTC()
}

func (r *Resolver) lookup(ctx context.Context, slug string) (*models.Link, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.links.FindBySlug(ctx, slug)
}

func (r *Resolver) increment(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.links.IncrementClicks(ctx, id, now)
}

// raceDenial rereads a link whose guarded increment matched no row and reports
// why it is no longer resolvable.
func (r *Resolver) raceDenial(ctx context.Context, slug string, stale *models.Link, now time.Time) *apperr.AppError {
	fresh, err := r.lookup(ctx, slug)
	if err != nil || fresh.ID != stale.ID {
		return apperr.ErrNotFound
	}
	switch result := policy.Evaluate(fresh, now); result {
	case policy.Inactive, policy.Expired, policy.ClickLimitReached:
		var denial *apperr.AppError
		errors.As(result.Err(), &denial)
		return denial
	}
	if stale.ClickLimit != nil {
		return apperr.ErrClickLimitReached
	}
	return apperr.ErrNotFound
}

func (r *Resolver) deny(slug string, link *models.Link, denial *apperr.AppError) Outcome {
	attrs := []any{"slug", slug, "reason", denial.Code}
	if link != nil {
		attrs = append(attrs, "link_id", link.ID)
	}
	r.log.Info("link resolution denied", attrs...)
	return Outcome{Kind: OutcomeDenied, Denial: denial, Link: link}
}
