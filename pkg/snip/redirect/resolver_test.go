package redirect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/clicks"
	"github.com/mikepea/snip/pkg/snip/links"
	"github.com/mikepea/snip/pkg/snip/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// captureSink records visits in memory
type captureSink struct {
	mu     sync.Mutex
	visits []clicks.Visit
	reject bool
}

func (s *captureSink) Record(v clicks.Visit) bool {
	if s.reject {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, v)
	return true
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visits)
}

// failingReader simulates an unavailable store
type failingReader struct {
	findErr      error
	incrementErr error
	link         *models.Link
}

func (f failingReader) FindBySlug(context.Context, string) (*models.Link, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.link, nil
}

func (f failingReader) IncrementClicks(context.Context, string, time.Time) (bool, error) {
	return false, f.incrementErr
}

// racedReader serves reads in order and refuses every increment, as if another
// request changed the row between the read and the guarded update.
type racedReader struct {
	mu    sync.Mutex
	reads []*models.Link
}

func (r *racedReader) FindBySlug(context.Context, string) (*models.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.reads[0]
	if len(r.reads) > 1 {
		r.reads = r.reads[1:]
	}
	copied := *link
	return &copied, nil
}

func (r *racedReader) IncrementClicks(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func createLink(t *testing.T, db *gorm.DB, link models.Link) models.Link {
	if link.Kind == "" {
		link.Kind = models.LinkKindShort
	}
	if link.DestinationURL == "" {
		link.DestinationURL = "https://example.com"
	}
	if link.OwnerID == "" {
		link.OwnerID = "owner-1"
	}
	if link.RedirectType == 0 {
		link.RedirectType = 302
	}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("Failed to create link: %v", err)
	}
	return link
}

func clickCount(t *testing.T, db *gorm.DB, id string) int64 {
	var link models.Link
	require.NoError(t, db.First(&link, "id = ?", id).Error)
	return link.ClickCount
}

func newTestResolver(db *gorm.DB, sink ClickSink, opts ...Option) *Resolver {
	return NewResolver(links.NewStore(db), sink, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestResolveRedirect(t *testing.T) {
	db := setupTestDB(t)
	sink := &captureSink{}
	r := newTestResolver(db, sink)
	link := createLink(t, db, models.Link{Slug: strPtr("go"), Active: true, RedirectType: 301})

	out, err := r.Resolve(context.Background(), "go", Request{IP: "203.0.113.1", UserAgent: "curl/8", Referrer: "https://ref.example"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedirect, out.Kind)
	assert.Equal(t, "https://example.com", out.URL)
	assert.Equal(t, 301, out.Status)
	assert.Equal(t, int64(1), clickCount(t, db, link.ID))

	require.Equal(t, 1, sink.count())
	v := sink.visits[0]
	assert.Equal(t, link.ID, v.LinkID)
	assert.Equal(t, "203.0.113.1", v.IP)
	assert.Equal(t, "curl/8", v.UserAgent)
	assert.Equal(t, "https://ref.example", v.Referrer)
}

func TestResolveNotFoundAndInactiveLookAlike(t *testing.T) {
	db := setupTestDB(t)
	sink := &captureSink{}
	r := newTestResolver(db, sink)
	past := time.Now().UTC().Add(-time.Hour)
	createLink(t, db, models.Link{Slug: strPtr("off"), Active: false, ExpiresAt: &past, PasswordHash: strPtr("hash")})

	missing, err := r.Resolve(context.Background(), "never-issued", Request{})
	require.NoError(t, err)
	inactive, err := r.Resolve(context.Background(), "off", Request{Password: strPtr("x")})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDenied, missing.Kind)
	assert.Equal(t, OutcomeDenied, inactive.Kind)
	assert.ErrorIs(t, missing.Denial, apperr.ErrNotFound)
	assert.ErrorIs(t, inactive.Denial, apperr.ErrNotFound)
	assert.Equal(t, missing.Denial.Message, inactive.Denial.Message)
	assert.Equal(t, 0, sink.count())
}

func TestResolveClickLimitScenario(t *testing.T) {
	db := setupTestDB(t)
	sink := &captureSink{}
	r := newTestResolver(db, sink)
	link := createLink(t, db, models.Link{Slug: strPtr("twice"), Active: true, ClickLimit: int64Ptr(2)})

	for i := 1; i <= 2; i++ {
		out, err := r.Resolve(context.Background(), "twice", Request{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRedirect, out.Kind)
		assert.Equal(t, int64(i), clickCount(t, db, link.ID))
	}

	out, err := r.Resolve(context.Background(), "twice", Request{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.ErrorIs(t, out.Denial, apperr.ErrClickLimitReached)
	assert.Equal(t, int64(2), clickCount(t, db, link.ID))
	assert.Equal(t, 2, sink.count())
}

func TestResolveExpiryWithoutSweeper(t *testing.T) {
	db := setupTestDB(t)
	start := time.Now().UTC()
	clk := &clock{now: start}
	r := newTestResolver(db, &captureSink{}, WithClock(clk.Now))

	expires := start.Add(time.Second)
	link := createLink(t, db, models.Link{Slug: strPtr("brief"), Active: true, ExpiresAt: &expires})

	out, err := r.Resolve(context.Background(), "brief", Request{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedirect, out.Kind)

	clk.Advance(2 * time.Second)

	out, err = r.Resolve(context.Background(), "brief", Request{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.ErrorIs(t, out.Denial, apperr.ErrExpired)

	// Still active in storage; only policy evaluation denied it
	var stored models.Link
	require.NoError(t, db.First(&stored, "id = ?", link.ID).Error)
	assert.True(t, stored.Active)
	assert.Equal(t, int64(1), stored.ClickCount)
}

func TestResolvePasswordScenario(t *testing.T) {
	db := setupTestDB(t)
	sink := &captureSink{}
	r := newTestResolver(db, sink)
	hash, err := auth.HashPassword("demo")
	require.NoError(t, err)
	link := createLink(t, db, models.Link{Slug: strPtr("locked"), Active: true, PasswordHash: &hash})

	out, err := r.Resolve(context.Background(), "locked", Request{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePasswordChallenge, out.Kind)

	out, err = r.Resolve(context.Background(), "locked", Request{Password: strPtr("wrong")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.ErrorIs(t, out.Denial, apperr.ErrInvalidPassword)
	assert.Equal(t, int64(0), clickCount(t, db, link.ID))
	assert.Equal(t, 0, sink.count())

	out, err = r.Resolve(context.Background(), "locked", Request{Password: strPtr("demo")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedirect, out.Kind)
	assert.Equal(t, int64(1), clickCount(t, db, link.ID))
	assert.Equal(t, 1, sink.count())
}

func TestResolveDeadLinkBeatsPassword(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(db, &captureSink{})
	hash, _ := auth.HashPassword("demo")
	past := time.Now().UTC().Add(-time.Hour)
	createLink(t, db, models.Link{Slug: strPtr("stale"), Active: true, ExpiresAt: &past, PasswordHash: &hash})

	out, err := r.Resolve(context.Background(), "stale", Request{})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Denial, apperr.ErrExpired)
}

func TestResolveIgnoresPasswordOnOpenLink(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(db, &captureSink{})
	createLink(t, db, models.Link{Slug: strPtr("open"), Active: true})

	out, err := r.Resolve(context.Background(), "open", Request{Password: strPtr("anything")})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedirect, out.Kind)
}

func TestResolveConcurrentLimitOne(t *testing.T) {
	db := setupTestDB(t)
	sink := &captureSink{}
	r := newTestResolver(db, sink)
	link := createLink(t, db, models.Link{Slug: strPtr("single"), Active: true, ClickLimit: int64Ptr(1)})

	var redirects, limited atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Resolve(context.Background(), "single", Request{})
			assert.NoError(t, err)
			switch {
			case out.Kind == OutcomeRedirect:
				redirects.Add(1)
			case errors.Is(out.Denial, apperr.ErrClickLimitReached):
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), redirects.Load())
	assert.Equal(t, int64(24), limited.Load())
	assert.Equal(t, int64(1), clickCount(t, db, link.ID))
	assert.Equal(t, 1, sink.count())
}

func TestResolveStoreUnavailable(t *testing.T) {
	r := NewResolver(failingReader{findErr: errors.New("connection refused")}, &captureSink{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := r.Resolve(context.Background(), "any", Request{})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.True(t, apperr.IsOperational(err))
}

func TestResolveIncrementFailure(t *testing.T) {
	sink := &captureSink{}
	reader := failingReader{
		link:         &models.Link{ID: "l1", Slug: strPtr("x"), Active: true, DestinationURL: "https://example.com"},
		incrementErr: errors.New("database is locked"),
	}
	r := NewResolver(reader, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := r.Resolve(context.Background(), "x", Request{})
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.Equal(t, 0, sink.count())
}

func TestResolveDroppedClickStillRedirects(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(db, &captureSink{reject: true})
	createLink(t, db, models.Link{Slug: strPtr("busy"), Active: true})

	out, err := r.Resolve(context.Background(), "busy", Request{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedirect, out.Kind)
}

func TestInspect(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(db, nil)
	createLink(t, db, models.Link{Slug: strPtr("live"), Active: true, ClickCount: 3})
	createLink(t, db, models.Link{Slug: strPtr("gone"), Active: false})

	link, err := r.Inspect(context.Background(), "live")
	require.NoError(t, err)
	assert.Equal(t, int64(3), link.ClickCount)

	_, err = r.Inspect(context.Background(), "gone")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.Inspect(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResolveLostIncrementReportsCurrentReason(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	capped := models.Link{ID: "l1", Slug: strPtr("race"), Active: true, ClickLimit: int64Ptr(5), ClickCount: 1, ExpiresAt: &future}

	tests := []struct {
		name  string
		fresh models.Link
		want  *apperr.AppError
	}{
		{"deactivated", models.Link{ID: "l1", Active: false, ClickLimit: int64Ptr(5), ClickCount: 1}, apperr.ErrNotFound},
		{"expired", models.Link{ID: "l1", Active: true, ClickLimit: int64Ptr(5), ClickCount: 1, ExpiresAt: &past}, apperr.ErrExpired},
		{"limit reached", models.Link{ID: "l1", Active: true, ClickLimit: int64Ptr(5), ClickCount: 5, ExpiresAt: &future}, apperr.ErrClickLimitReached},
		{"replaced", models.Link{ID: "l2", Active: true}, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := tt.fresh
			reader := &racedReader{reads: []*models.Link{&capped, &fresh}}
			sink := &captureSink{}
			r := NewResolver(reader, sink, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(func() time.Time { return now }))

			out, err := r.Resolve(context.Background(), "race", Request{})
			require.NoError(t, err)
			assert.Equal(t, OutcomeDenied, out.Kind)
			assert.Equal(t, tt.want.Code, out.Denial.Code)
			assert.Equal(t, 0, sink.count())
		})
	}
}
