package links

import (
	"context"
	"errors"
	"time"

	"github.com/mikepea/snip/pkg/snip/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no link has the requested slug
	ErrNotFound = errors.New("link not found")
	// ErrDuplicateSlug is returned when an insert loses a race on the slug unique index
	ErrDuplicateSlug = errors.New("duplicate slug")
)

// Store is the durable link table. It never deletes rows; deactivation is the
// only destructive operation.
type Store struct {
	db *gorm.DB
}

// NewStore creates a link store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindBySlug loads a link, active or not, straight from the database
func (s *Store) FindBySlug(ctx context.Context, slug string) (*models.Link, error) {
	var link models.Link
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// SlugExists reports whether any link holds slug
func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Link{}).Where("slug = ?", slug).Count(&count).Error
	return count > 0, err
}

// Create inserts a new link
func (s *Store) Create(ctx context.Context, link *models.Link) error {
	err := s.db.WithContext(ctx).Create(link).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateSlug
	}
	return err
}

// IncrementClicks adds one click in a single guarded UPDATE. The guard repeats
// the policy checks inside the statement, so concurrent resolutions cannot push
// click_count past click_limit. It returns false when the guard rejected the
// increment.
func (s *Store) IncrementClicks(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Link{}).
		Where("id = ? AND active = ?", id, true).
		Where("(expires_at IS NULL OR expires_at >= ?)", now).
		Where("(click_limit IS NULL OR click_count < click_limit)").
		UpdateColumn("click_count", gorm.Expr("click_count + ?", 1))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Deactivate flips an active link to inactive. Deactivating an inactive link is
// a no-op and reports false.
func (s *Store) Deactivate(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Link{}).
		Where("id = ? AND active = ?", id, true).
		Updates(deactivation(reason, now))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeactivateExpired deactivates every active link whose expiry has passed
func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Link{}).
		Where("active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, now).
		Updates(deactivation(models.ReasonExpired, now))
	return res.RowsAffected, res.Error
}

// DeactivateClickLimited deactivates every active link that has used up its clicks
func (s *Store) DeactivateClickLimited(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Link{}).
		Where("active = ? AND click_limit IS NOT NULL AND click_count >= click_limit", true).
		Updates(deactivation(models.ReasonClickLimit, now))
	return res.RowsAffected, res.Error
}

func deactivation(reason string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"active":              false,
		"deactivated_at":      now,
		"deactivation_reason": reason,
	}
}

// ListFilter narrows an owner listing
type ListFilter struct {
	Kind   models.LinkKind
	Active *bool
	Limit  int
	Offset int
}

// ListByOwner returns an owner's links and the total matching count
func (s *Store) ListByOwner(ctx context.Context, ownerID string, f ListFilter) ([]models.Link, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Link{}).Where("owner_id = ?", ownerID)
	if f.Kind != "" {
		query = query.Where("kind = ?", f.Kind)
	}
	if f.Active != nil {
		query = query.Where("active = ?", *f.Active)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at DESC"
	if f.Kind == models.LinkKindBio {
		order = "position ASC"
	}

	var links []models.Link
	err := query.Order(order).Limit(f.Limit).Offset(f.Offset).Find(&links).Error
	return links, total, err
}

// NextBioPosition returns the position after the owner's last bio link
func (s *Store) NextBioPosition(ctx context.Context, ownerID string) (int, error) {
	var next int
	err := s.db.WithContext(ctx).Model(&models.Link{}).
		Where("owner_id = ? AND kind = ?", ownerID, models.LinkKindBio).
		Select("COALESCE(MAX(position) + 1, 0)").
		Row().Scan(&next)
	return next, err
}

// Counts summarizes the link table
type Counts struct {
	Total        int64            `json:"total"`
	Active       int64            `json:"active"`
	Inactive     int64            `json:"inactive"`
	ByReason     map[string]int64 `json:"byReason"`
	TotalClicks  int64            `json:"totalClicks"`
	WithPassword int64            `json:"withPassword"`
}

// Counts aggregates link totals for operators
func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	db := s.db.WithContext(ctx)
	c := &Counts{ByReason: map[string]int64{}}

	if err := db.Model(&models.Link{}).Count(&c.Total).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Link{}).Where("active = ?", true).Count(&c.Active).Error; err != nil {
		return nil, err
	}
	c.Inactive = c.Total - c.Active

	if err := db.Model(&models.Link{}).Where("password_hash IS NOT NULL AND password_hash <> ''").Count(&c.WithPassword).Error; err != nil {
		return nil, err
	}

	if err := db.Model(&models.Link{}).Select("COALESCE(SUM(click_count), 0)").Row().Scan(&c.TotalClicks); err != nil {
		return nil, err
	}

	var rows []struct {
		Reason string `gorm:"column:reason"`
		Count  int64  `gorm:"column:reason_count"`
	}
	err := db.Model(&models.Link{}).
		Select("deactivation_reason AS reason, COUNT(*) AS reason_count").
		Where("active = ?", false).
		Group("deactivation_reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		reason := r.Reason
		if reason == "" {
			reason = "unspecified"
		}
		c.ByReason[reason] = r.Count
	}
	return c, nil
}
