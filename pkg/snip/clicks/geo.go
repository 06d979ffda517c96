package clicks

import (
	"context"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPLocator looks addresses up in a MaxMind GeoLite2 City database
type GeoIPLocator struct {
	db *geoip2.Reader
}

// OpenGeoIP opens the database at path
func OpenGeoIP(path string) (*GeoIPLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIPLocator{db: db}, nil
}

// Locate returns English country and city names, empty when the record has none
func (g *GeoIPLocator) Locate(ctx context.Context, ip net.IP) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	record, err := g.db.City(ip)
	if err != nil {
		return "", "", err
	}
	return record.Country.Names["en"], record.City.Names["en"], nil
}

// Close releases the database
func (g *GeoIPLocator) Close() error {
	return g.db.Close()
}
