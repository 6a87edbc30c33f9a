package anomaly

import (
	"context"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefoxMac    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0"
)

func newTestDetector(t *testing.T) (*Detector, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	zones, err := NewTimeZones("UTC", map[string]string{"tenant-berlin": "Europe/Berlin"})
	if err != nil {
		t.Fatalf("NewTimeZones: %v", err)
	}
	locator := NewLocator(time.Second, EdgeHeaderResolvers()...)
	return NewDetector(client, locator, zones, Options{}, zerolog.Nop()), mr
}

func edge(country, city string) http.Header {
	h := http.Header{}
	h.Set("CF-IPCountry", country)
	h.Set("CF-IPCity", city)
	return h
}

func input(ua string, headers http.Header, at time.Time) Input {
	return Input{IdentityID: "idn-1", IPAddress: "203.0.113.7", UserAgent: ua, At: at, Headers: headers}
}

func requireReasons(t *testing.T, step string, got SuspicionResult, want ...string) {
	t.Helper()
	if len(want) == 0 && len(got.Reasons) == 0 {
		return
	}
	if !reflect.DeepEqual(got.Reasons, want) {
		t.Fatalf("%s: expected reasons %v, got %v", step, want, got.Reasons)
	}
}

func TestDetectorLearnsOnlyFromCleanLogins(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	berlin := edge("DE", "Berlin")

	// The first login seeds the baseline.
	res := d.Check(ctx, input(chromeWindows, berlin, base))
	requireReasons(t, "bootstrap", res)
	if res.Location.String() != "Berlin, DE" {
		t.Fatalf("unexpected location %q", res.Location)
	}

	res = d.Check(ctx, input(chromeWindows, berlin, base.Add(5*time.Minute)))
	requireReasons(t, "repeat", res)

	// A flagged device is not learned, so it is flagged again.
	for i := 0; i < 2; i++ {
		res = d.Check(ctx, input(firefoxMac, berlin, base.Add(10*time.Minute)))
		requireReasons(t, "new device", res, ReasonNewDevice)
		if !res.NewDevice || res.NewLocation {
			t.Fatalf("unexpected flags %+v", res)
		}
	}

	if err := d.Trust(ctx, "idn-1", res.Fingerprint, res.Location, base.Add(12*time.Minute)); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	res = d.Check(ctx, input(firefoxMac, berlin, base.Add(15*time.Minute)))
	requireReasons(t, "trusted device", res)
}

func TestDetectorUnusualTimeUsesTenantZone(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()
	noonUTC := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	requireReasons(t, "bootstrap", d.Check(ctx, input(chromeWindows, nil, noonUTC)))

	// 22:30 UTC is 23:30 in Berlin during winter.
	late := time.Date(2024, 1, 10, 22, 30, 0, 0, time.UTC)
	in := input(chromeWindows, nil, late)
	requireReasons(t, "utc tenant", d.Check(ctx, in))

	in.TenantID = "tenant-berlin"
	res := d.Check(ctx, in)
	requireReasons(t, "berlin tenant", res, ReasonUnusualTime)
	if res.NewDevice || res.NewLocation {
		t.Fatalf("unknown location must skip the location check: %+v", res)
	}
}

func TestDetectorImpossibleTravel(t *testing.T) {
	d, _ := newTestDetector(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	requireReasons(t, "berlin", d.Check(ctx, input(chromeWindows, edge("DE", "Berlin"), base)))

	res := d.Check(ctx, input(chromeWindows, edge("FR", "Paris"), base.Add(30*time.Minute)))
	requireReasons(t, "paris soon after", res, ReasonNewLocation, ReasonImpossibleTravel)

	if err := d.Trust(ctx, "idn-1", res.Fingerprint, res.Location, base.Add(45*time.Minute)); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	// A known country is still flagged when reached too quickly.
	res = d.Check(ctx, input(chromeWindows, edge("FR", "Paris"), base.Add(time.Hour)))
	requireReasons(t, "known paris soon after", res, ReasonImpossibleTravel)

	res = d.Check(ctx, input(chromeWindows, edge("FR", "Paris"), base.Add(3*time.Hour)))
	requireReasons(t, "paris later", res)
}

func TestTrustedDeviceAgesOutWithRetention(t *testing.T) {
	d, mr := newTestDetector(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	berlin := edge("DE", "Berlin")

	requireReasons(t, "bootstrap", d.Check(ctx, input(chromeWindows, berlin, base)))

	trustedAt := base.Add(time.Minute)
	fingerprint, _, err := d.TrustRequest(ctx, input(firefoxMac, berlin, trustedAt))
	if err != nil {
		t.Fatalf("TrustRequest: %v", err)
	}
	score, err := mr.ZScore(devicesKey("idn-1"), fingerprint)
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	if int64(score) != trustedAt.Unix() {
		t.Fatalf("expected trust scored at %d, got %d", trustedAt.Unix(), int64(score))
	}

	// Both devices fall out of the window; the first login afterwards
	// re-seeds the baseline with chrome only.
	later := base.Add(defaultRetention + 5*24*time.Hour)
	requireReasons(t, "reseed", d.Check(ctx, input(chromeWindows, berlin, later)))

	res := d.Check(ctx, input(firefoxMac, berlin, later.Add(time.Hour)))
	requireReasons(t, "expired trust", res, ReasonNewDevice)
}

func TestDetectorStoreFailureIsNotSuspicious(t *testing.T) {
	d, mr := newTestDetector(t)
	mr.Close()

	res := d.Check(context.Background(), input(firefoxMac, edge("US", "Austin"), time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC)))
	if res.Suspicious() {
		t.Fatalf("store failure must not flag the login: %+v", res)
	}
	if res.Fingerprint == "" || res.Location.Country != "US" {
		t.Fatalf("fingerprint and location should still be reported: %+v", res)
	}
}

func TestFingerprint(t *testing.T) {
	if got := Fingerprint(chromeWindows); got != "chrome|windows|desktop" {
		t.Fatalf("unexpected fingerprint %q", got)
	}
	if Fingerprint(chromeWindows) == Fingerprint(firefoxMac) {
		t.Fatal("different browsers must have different fingerprints")
	}
}

type slowResolver struct{ delay time.Duration }

func (s slowResolver) Resolve(ctx context.Context, _ string, _ http.Header) (Location, bool) {
	select {
	case <-time.After(s.delay):
		return Location{Country: "NL"}, true
	case <-ctx.Done():
		return Location{}, false
	}
}

func TestLocatorFallsBackToUnknown(t *testing.T) {
	locator := NewLocator(20*time.Millisecond, EdgeHeaderResolvers()[0], slowResolver{delay: time.Second})
	loc := locator.Locate(context.Background(), "203.0.113.7", http.Header{})
	if loc.Known() || loc.String() != Unknown {
		t.Fatalf("expected unknown location, got %+v", loc)
	}

	h := http.Header{}
	h.Set("X-Vercel-IP-Country", "se")
	h.Set("X-Vercel-IP-City", "G%C3%B6teborg")
	loc = NewLocator(time.Second, EdgeHeaderResolvers()...).Locate(context.Background(), "", h)
	if loc.String() != "Göteborg, SE" {
		t.Fatalf("unexpected vercel location %q", loc)
	}
}
