package links

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/models"
	"github.com/mikepea/snip/pkg/snip/slug"
)

const maxURLLength = 2048

// CreateInput describes a link to create
type CreateInput struct {
	Kind         models.LinkKind
	URL          string
	Slug         string
	Title        string
	Password     string
	ExpiresAt    *time.Time
	ClickLimit   *int64
	RedirectType int
}

// Service owns link creation and owner-initiated lifecycle changes
type Service struct {
	store           *Store
	slugs           *slug.Generator
	baseURL         string
	defaultRedirect int
	now             func() time.Time
	log             *slog.Logger
}

// NewService creates a link service
func NewService(store *Store, slugs *slug.Generator, baseURL string, defaultRedirect int, log *slog.Logger) *Service {
	if defaultRedirect == 0 {
		defaultRedirect = 302
	}
	return &Service{
		store:           store,
		slugs:           slugs,
		baseURL:         strings.TrimRight(baseURL, "/"),
		defaultRedirect: defaultRedirect,
		now:             time.Now,
		log:             log,
	}
}

// ShortURL composes the public URL of a short link
func (s *Service) ShortURL(link *models.Link) string {
	if link.Slug == nil {
		return ""
	}
	return s.baseURL + "/" + *link.Slug
}

// Create validates input and stores a new link for ownerID
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (*models.Link, error) {
	now := s.now().UTC()

	if in.Kind == "" {
		in.Kind = models.LinkKindShort
	}
	if in.Kind != models.LinkKindShort && in.Kind != models.LinkKindBio {
		return nil, apperr.InvalidInput("Kind must be 'short' or 'bio'")
	}
	if err := validateDestination(in.URL); err != nil {
		return nil, err
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, apperr.InvalidInput("Expiration must be in the future")
	}
	if in.ClickLimit != nil && *in.ClickLimit < 1 {
		return nil, apperr.InvalidInput("Click limit must be at least 1")
	}
	redirect := in.RedirectType
	if redirect == 0 {
		redirect = s.defaultRedirect
	}
	if redirect != 301 && redirect != 302 {
		return nil, apperr.InvalidInput("Redirect type must be 301 or 302")
	}
	if len(in.Password) > auth.MaxPasswordBytes {
		return nil, apperr.InvalidInput("Password must be at most 72 bytes")
	}

	link := &models.Link{
		Kind:           in.Kind,
		DestinationURL: strings.TrimSpace(in.URL),
		OwnerID:        ownerID,
		Title:          in.Title,
		Active:         true,
		ClickLimit:     in.ClickLimit,
		RedirectType:   redirect,
	}
	if in.ExpiresAt != nil {
		expires := in.ExpiresAt.UTC()
		link.ExpiresAt = &expires
	}
	if in.Password != "" {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		link.PasswordHash = &hash
	}

	if in.Kind == models.LinkKindBio {
		return s.createBio(ctx, link, in)
	}
	return s.createShort(ctx, link, in)
}

func (s *Service) createBio(ctx context.Context, link *models.Link, in CreateInput) (*models.Link, error) {
	if in.Slug != "" {
		return nil, apperr.InvalidInput("Bio links are addressed by order and cannot have a slug")
	}
	pos, err := s.store.NextBioPosition(ctx, link.OwnerID)
	if err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	link.Order = pos
	if err := s.store.Create(ctx, link); err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	return link, nil
}

func (s *Service) createShort(ctx context.Context, link *models.Link, in CreateInput) (*models.Link, error) {
	if in.Slug != "" {
		if err := s.slugs.Validate(ctx, in.Slug); err != nil {
			return nil, err
		}
		custom := in.Slug
		link.Slug = &custom
		err := s.store.Create(ctx, link)
		if errors.Is(err, ErrDuplicateSlug) {
			return nil, apperr.ErrSlugTaken
		}
		if err != nil {
			return nil, apperr.StoreUnavailable(err)
		}
		return link, nil
	}

	// The existence check and the insert are not atomic; the unique index decides
	// races and a lost race draws again.
	for attempt := 0; attempt < slug.DefaultAttempts; attempt++ {
		generated, err := s.slugs.Generate(ctx)
		if err != nil {
			if errors.Is(err, apperr.ErrSlugExhausted) {
				s.log.Error("slug space exhausted", "owner_id", link.OwnerID, "error", err)
			}
			return nil, err
		}
		link.ID = ""
		link.Slug = &generated
		err = s.store.Create(ctx, link)
		if err == nil {
			return link, nil
		}
		if !errors.Is(err, ErrDuplicateSlug) {
			return nil, apperr.StoreUnavailable(err)
		}
	}

	s.log.Error("slug space exhausted after insert races", "owner_id", link.OwnerID)
	return nil, apperr.ErrSlugExhausted
}

// Deactivate soft-deletes an owner's link. Deactivating an already inactive
// link succeeds without changes.
func (s *Service) Deactivate(ctx context.Context, ownerID, slugValue string) (*models.Link, error) {
	link, err := s.store.FindBySlug(ctx, slugValue)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	if link.OwnerID != ownerID {
		return nil, apperr.ErrNotFound
	}

	now := s.now().UTC()
	changed, err := s.store.Deactivate(ctx, link.ID, models.ReasonOwner, now)
	if err != nil {
		return nil, apperr.StoreUnavailable(err)
	}
	if changed {
		link.Active = false
		link.DeactivatedAt = &now
		link.DeactivationReason = models.ReasonOwner
		s.log.Info("link deactivated", "link_id", link.ID, "reason", models.ReasonOwner)
	}
	return link, nil
}

// List returns an owner's links
func (s *Service) List(ctx context.Context, ownerID string, f ListFilter) ([]models.Link, int64, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	links, total, err := s.store.ListByOwner(ctx, ownerID, f)
	if err != nil {
		return nil, 0, apperr.StoreUnavailable(err)
	}
	return links, total, nil
}

func validateDestination(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return apperr.InvalidInput("Destination URL is required")
	}
	if len(raw) > maxURLLength {
		return apperr.InvalidInput("Destination URL is too long")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.InvalidInput("Destination URL must be an absolute http(s) URL")
	}
	return nil
}
