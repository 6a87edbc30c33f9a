package anomaly

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const Unknown = "Unknown"

type Location struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

func (l Location) Known() bool {
	return l.Country != ""
}

// String is the member stored in the known-location set.
func (l Location) String() string {
	switch {
	case !l.Known():
		return Unknown
	case l.City == "":
		return l.Country
	default:
		return l.City + ", " + l.Country
	}
}

// A Resolver returns a location for the request or false when it has none.
type Resolver interface {
	Resolve(ctx context.Context, ip string, headers http.Header) (Location, bool)
}

// HeaderResolver reads the geolocation headers an edge network attaches.
type HeaderResolver struct {
	CountryHeader string
	CityHeader    string
}

func (h HeaderResolver) Resolve(_ context.Context, _ string, headers http.Header) (Location, bool) {
	country := strings.ToUpper(strings.TrimSpace(headers.Get(h.CountryHeader)))
	// XX is sent for unknown origins, T1 for Tor exits.
	if country == "" || country == "XX" || country == "T1" {
		return Location{}, false
	}
	city := strings.TrimSpace(headers.Get(h.CityHeader))
	if decoded, err := url.QueryUnescape(city); err == nil {
		city = decoded
	}
	return Location{Country: country, City: city}, true
}

// EdgeHeaderResolvers returns the header resolvers in priority order.
func EdgeHeaderResolvers() []Resolver {
	return []Resolver{
		HeaderResolver{CountryHeader: "CF-IPCountry", CityHeader: "CF-IPCity"},
		HeaderResolver{CountryHeader: "X-Vercel-IP-Country", CityHeader: "X-Vercel-IP-City"},
		HeaderResolver{CountryHeader: "X-Geo-Country", CityHeader: "X-Geo-City"},
	}
}

// GeoIPResolver looks addresses up in a local MaxMind City database.
type GeoIPResolver struct {
	reader *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIPResolver{reader: reader}, nil
}

func (g *GeoIPResolver) Resolve(_ context.Context, ip string, _ http.Header) (Location, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return Location{}, false
	}
	record, err := g.reader.City(parsed)
	if err != nil || record.Country.IsoCode == "" {
		return Location{}, false
	}
	return Location{Country: record.Country.IsoCode, City: record.City.Names["en"]}, true
}

func (g *GeoIPResolver) Close() error {
	return g.reader.Close()
}

// Locator tries resolvers in order under one total timeout and collapses to
// an unknown location when none answers in time.
type Locator struct {
	resolvers []Resolver
	timeout   time.Duration
}

func NewLocator(timeout time.Duration, resolvers ...Resolver) *Locator {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &Locator{resolvers: resolvers, timeout: timeout}
}

func (l *Locator) Locate(ctx context.Context, ip string, headers http.Header) Location {
	if len(l.resolvers) == 0 {
		return Location{}
	}
	if headers == nil {
		headers = http.Header{}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	found := make(chan Location, 1)
	go func() {
		for _, r := range l.resolvers {
			if ctx.Err() != nil {
				break
			}
			if loc, ok := r.Resolve(ctx, ip, headers); ok {
				found <- loc
				return
			}
		}
		found <- Location{}
	}()

	select {
	case loc := <-found:
		return loc
	case <-ctx.Done():
		return Location{}
	}
}
