package clicks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/models"
	"gorm.io/gorm"
)

type stubLookup map[string]*models.Link

func (s stubLookup) Inspect(_ context.Context, slug string) (*models.Link, error) {
	link, ok := s[slug]
	if !ok || !link.Active {
		return nil, apperr.ErrNotFound
	}
	return link, nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)
	db := setupTestDB(t)

	lookup := stubLookup{
		"live": {ID: "l1", Active: true, ClickCount: 2},
		"dead": {ID: "l2", Active: false},
	}
	handler := NewHandler(lookup, NewEventStore(db), discardLogger())

	r := gin.New()
	handler.RegisterRoutes(r)
	return r, db
}

func TestAnalyticsEndpoint(t *testing.T) {
	router, db := setupTestRouter(t)
	now := time.Now().UTC()
	NewEventStore(db).WriteBatch(context.Background(), []models.ClickEvent{
		event("l1", now.Add(-time.Minute), "Germany", DeviceDesktop, "Direct"),
		event("l1", now.Add(-3*time.Hour), "France", DeviceMobile, "Direct"),
	})

	req, _ := http.NewRequest("GET", "/live/analytics?timeframe=1h", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Timeframe   string   `json:"timeframe"`
			ClickCount  int64    `json:"clickCount"`
			TotalClicks int64    `json:"totalClicks"`
			ByCountry   []Bucket `json:"byCountry"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if body.Data.Timeframe != "1h" {
		t.Errorf("Expected timeframe 1h, got %s", body.Data.Timeframe)
	}
	if body.Data.TotalClicks != 1 {
		t.Errorf("Expected 1 click in the last hour, got %d", body.Data.TotalClicks)
	}
	if body.Data.ClickCount != 2 {
		t.Errorf("Expected lifetime click count 2, got %d", body.Data.ClickCount)
	}
	if strings.Contains(resp.Body.String(), "203.0.113.9") || strings.Contains(resp.Body.String(), "secret-agent") {
		t.Error("Analytics must not expose IP addresses or user agents")
	}
}

func TestAnalyticsInvalidTimeframe(t *testing.T) {
	router, _ := setupTestRouter(t)

	req, _ := http.NewRequest("GET", "/live/analytics?timeframe=2w", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestAnalyticsInactiveLink(t *testing.T) {
	router, _ := setupTestRouter(t)

	for _, slug := range []string{"dead", "missing"} {
		req, _ := http.NewRequest("GET", "/"+slug+"/analytics", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != http.StatusNotFound {
			t.Errorf("Expected status 404 for %s, got %d", slug, resp.Code)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	d, err := ParseTimeframe("")
	if err != nil || d != 7*24*time.Hour {
		t.Errorf("Expected default 7d, got %v (%v)", d, err)
	}
	d, err = ParseTimeframe("24h")
	if err != nil || d != 24*time.Hour {
		t.Errorf("Expected 24h, got %v (%v)", d, err)
	}
	if _, err := ParseTimeframe("90d"); apperr.CodeOf(err) != apperr.CodeInvalidInput {
		t.Errorf("Expected invalid input, got %v", err)
	}
}
