package clicks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikepea/snip/pkg/snip/models"
	"gorm.io/gorm"
)

const (
	insertBatchSize = 100

	// DefaultRecentLimit is the recent-events page size when none is given
	DefaultRecentLimit = 20
)

// Query bounds an aggregation window and the recent-events page
type Query struct {
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Bucket is one group of a breakdown
type Bucket struct {
	Key   string `gorm:"column:bucket_key" json:"key"`
	Count int64  `gorm:"column:bucket_count" json:"count"`
}

// RecentClick is a click event stripped of visitor identifiers
type RecentClick struct {
	ClickedAt time.Time `json:"clickedAt"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	Device    string    `json:"device"`
	Browser   string    `json:"browser"`
	OS        string    `json:"os"`
	Referrer  string    `json:"referrer"`
}

// Stats is the aggregated click history of a link
type Stats struct {
	TotalClicks int64         `json:"totalClicks"`
	ByCountry   []Bucket      `json:"byCountry"`
	ByDevice    []Bucket      `json:"byDevice"`
	ByDay       []Bucket      `json:"byDay"`
	ByBrowser   []Bucket      `json:"byBrowser"`
	ByOS        []Bucket      `json:"byOs"`
	ByReferrer  []Bucket      `json:"byReferrer"`
	LastClick   *RecentClick  `json:"lastClick"`
	Recent      []RecentClick `json:"recent"`
}

// StatsSource aggregates click events. EventStore computes everything at query
// time from the raw log; a rollup-backed implementation can replace it.
type StatsSource interface {
	Aggregate(ctx context.Context, linkID string, q Query) (*Stats, error)
}

// groupable columns, keyed by the breakdown they feed
var groupable = map[string]string{
	"country":  "country",
	"device":   "device",
	"day":      "day",
	"browser":  "browser",
	"os":       "os",
	"referrer": "referrer",
}

// EventStore persists click events with gorm
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates an event store
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// WriteBatch inserts events
func (s *EventStore) WriteBatch(ctx context.Context, events []models.ClickEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(events, insertBatchSize).Error
}

// Aggregate computes the breakdowns of linkID's events inside the query window
func (s *EventStore) Aggregate(ctx context.Context, linkID string, q Query) (*Stats, error) {
	stats := &Stats{}
	if q.Limit <= 0 {
		q.Limit = DefaultRecentLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	if err := s.window(ctx, linkID, q).Count(&stats.TotalClicks).Error; err != nil {
		return nil, err
	}

	var err error
	if stats.ByCountry, err = s.groupBy(ctx, linkID, q, "country", false); err != nil {
		return nil, err
	}
	if stats.ByDevice, err = s.groupBy(ctx, linkID, q, "device", false); err != nil {
		return nil, err
	}
	if stats.ByDay, err = s.groupBy(ctx, linkID, q, "day", true); err != nil {
		return nil, err
	}
	if stats.ByBrowser, err = s.groupBy(ctx, linkID, q, "browser", false); err != nil {
		return nil, err
	}
	if stats.ByOS, err = s.groupBy(ctx, linkID, q, "os", false); err != nil {
		return nil, err
	}
	if stats.ByReferrer, err = s.groupBy(ctx, linkID, q, "referrer", false); err != nil {
		return nil, err
	}

	// The most recent click is reported regardless of the window
	var last models.ClickEvent
	err = s.db.WithContext(ctx).Where("link_id = ?", linkID).Order("clicked_at DESC").First(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		recent := toRecent(last)
		stats.LastClick = &recent
	}

	var events []models.ClickEvent
	err = s.window(ctx, linkID, q).
		Order("clicked_at DESC").
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	stats.Recent = make([]RecentClick, len(events))
	for i, e := range events {
		stats.Recent[i] = toRecent(e)
	}

	return stats, nil
}

func (s *EventStore) window(ctx context.Context, linkID string, q Query) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.ClickEvent{}).Where("link_id = ?", linkID)
	if !q.Since.IsZero() {
		query = query.Where("clicked_at >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		query = query.Where("clicked_at <= ?", q.Until.UTC())
	}
	return query
}

func (s *EventStore) groupBy(ctx context.Context, linkID string, q Query, dimension string, chronological bool) ([]Bucket, error) {
	column, ok := groupable[dimension]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dimension)
	}

	order := "bucket_count DESC, bucket_key ASC"
	if chronological {
		order = "bucket_key ASC"
	}

	buckets := []Bucket{}
	err := s.window(ctx, linkID, q).
		Select(column + " AS bucket_key, COUNT(*) AS bucket_count").
		Group(column).
		Order(order).
		Scan(&buckets).Error
	return buckets, err
}

func toRecent(e models.ClickEvent) RecentClick {
	return RecentClick{
		ClickedAt: e.ClickedAt,
		Country:   e.Country,
		City:      e.City,
		Device:    e.Device,
		Browser:   e.Browser,
		OS:        e.OS,
		Referrer:  e.Referrer,
	}
}
