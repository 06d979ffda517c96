package clicks

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mikepea/snip/pkg/snip/models"
	"github.com/mssola/useragent"
)

// Device classes
const (
	DeviceDesktop = "Desktop"
	DeviceMobile  = "Mobile"
	DeviceTablet  = "Tablet"
	DeviceBot     = "Bot"

	// DirectReferrer is stored when the request carried no Referer header
	DirectReferrer = "Direct"
)

const (
	maxIPLength       = 45
	maxUserAgentBytes = 1024
	maxLabelLength    = 50
	maxReferrerLength = 255

	// DefaultGeoTimeout bounds a single geolocation lookup
	DefaultGeoTimeout = 2 * time.Second
)

// Visit is a successful resolution as observed at the HTTP edge
type Visit struct {
	LinkID    string
	IP        string
	UserAgent string
	Referrer  string
	At        time.Time
}

// Locator resolves an IP address to a country and city
type Locator interface {
	Locate(ctx context.Context, ip net.IP) (country, city string, err error)
}

// Enricher derives the analytic dimensions of a visit. It never fails: anything
// it cannot resolve is recorded as models.Unknown.
type Enricher struct {
	geo        Locator
	geoTimeout time.Duration
	log        *slog.Logger
}

// NewEnricher creates an enricher. geo may be nil, in which case location is always Unknown.
func NewEnricher(geo Locator, geoTimeout time.Duration, log *slog.Logger) *Enricher {
	if geoTimeout <= 0 {
		geoTimeout = DefaultGeoTimeout
	}
	return &Enricher{geo: geo, geoTimeout: geoTimeout, log: log}
}

// Enrich turns a visit into a click event row
func (e *Enricher) Enrich(ctx context.Context, v Visit) models.ClickEvent {
	at := v.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	event := models.ClickEvent{
		LinkID:    v.LinkID,
		ClickedAt: at,
		Day:       at.Format("2006-01-02"),
		IPAddress: truncate(v.IP, maxIPLength),
		UserAgent: truncate(v.UserAgent, maxUserAgentBytes),
		Referrer:  normalizeReferrer(v.Referrer),
		Country:   models.Unknown,
		City:      models.Unknown,
	}

	event.Device, event.Browser, event.OS = parseUserAgent(v.UserAgent)
	event.Country, event.City = e.locate(ctx, v.IP)
	return event
}

func (e *Enricher) locate(ctx context.Context, raw string) (string, string) {
	ip := net.ParseIP(raw)
	if e.geo == nil || ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return models.Unknown, models.Unknown
	}

	ctx, cancel := context.WithTimeout(ctx, e.geoTimeout)
	defer cancel()

	type result struct {
		country, city string
		err           error
	}
	done := make(chan result, 1)
	go func() {
		country, city, err := e.geo.Locate(ctx, ip)
		done <- result{country, city, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.log.Debug("geolocation failed", "error", r.err)
			return models.Unknown, models.Unknown
		}
		return orUnknown(r.country), orUnknown(r.city)
	case <-ctx.Done():
		e.log.Warn("geolocation timed out", "timeout", e.geoTimeout)
		return models.Unknown, models.Unknown
	}
}

func parseUserAgent(raw string) (device, browser, os string) {
	if strings.TrimSpace(raw) == "" {
		return models.Unknown, models.Unknown, models.Unknown
	}

	ua := useragent.New(raw)
	name, _ := ua.Browser()
	browser = orUnknown(truncate(name, maxLabelLength))
	os = orUnknown(truncate(ua.OS(), maxLabelLength))

	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		device = DeviceBot
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") ||
		(strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")):
		device = DeviceTablet
	case ua.Mobile():
		device = DeviceMobile
	default:
		device = DeviceDesktop
	}
	return device, browser, os
}

// normalizeReferrer keeps only the referring host so the dimension groups well
func normalizeReferrer(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DirectReferrer
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return truncate(strings.ToLower(u.Hostname()), maxReferrerLength)
	}
	return truncate(raw, maxReferrerLength)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return models.Unknown
	}
	return s
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 is
// dropped so the result is always storable as text.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
