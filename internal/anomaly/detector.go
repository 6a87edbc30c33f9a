// Package anomaly flags logins from unfamiliar devices, places or hours.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portalauth/internal/obs"
)

const (
	ReasonNewDevice        = "new_device"
	ReasonNewLocation      = "new_location"
	ReasonUnusualTime      = "unusual_time"
	ReasonImpossibleTravel = "impossible_travel"
)

const (
	defaultRetention    = 90 * 24 * time.Hour
	defaultTravelWindow = 2 * time.Hour
	defaultLastLoginTTL = 24 * time.Hour

	// Local hours in [quietStart, quietEnd) are considered normal.
	quietStart = 5
	quietEnd   = 23
)

type Input struct {
	IdentityID string
	TenantID   string
	IPAddress  string
	UserAgent  string
	At         time.Time
	Headers    http.Header
}

type SuspicionResult struct {
	NewDevice        bool
	NewLocation      bool
	UnusualTime      bool
	ImpossibleTravel bool
	Reasons          []string
	Fingerprint      string
	Location         Location
}

func (r SuspicionResult) Suspicious() bool {
	return len(r.Reasons) > 0
}

type lastLogin struct {
	Country string    `json:"country"`
	City    string    `json:"city,omitempty"`
	At      time.Time `json:"at"`
}

type Options struct {
	Retention    time.Duration
	TravelWindow time.Duration
	LastLoginTTL time.Duration
}

type Detector struct {
	rdb     redis.Cmdable
	locator *Locator
	zones   *TimeZones
	opts    Options
	log     zerolog.Logger
}

func NewDetector(rdb redis.Cmdable, locator *Locator, zones *TimeZones, opts Options, log zerolog.Logger) *Detector {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.TravelWindow <= 0 {
		opts.TravelWindow = defaultTravelWindow
	}
	if opts.LastLoginTTL <= 0 {
		opts.LastLoginTTL = defaultLastLoginTTL
	}
	if locator == nil {
		locator = NewLocator(0)
	}
	return &Detector{
		rdb:     rdb,
		locator: locator,
		zones:   zones,
		opts:    opts,
		log:     log.With().Str("component", "anomaly").Logger(),
	}
}

func devicesKey(identityID string) string   { return "anomaly:devices:" + identityID }
func locationsKey(identityID string) string { return "anomaly:locations:" + identityID }
func lastKey(identityID string) string      { return "anomaly:last:" + identityID }

// Check evaluates a successful password login. It never returns an error: a
// failing store yields a result that is not suspicious.
func (d *Detector) Check(ctx context.Context, in Input) SuspicionResult {
	if in.At.IsZero() {
		in.At = time.Now()
	}
	result := SuspicionResult{
		Fingerprint: Fingerprint(in.UserAgent),
		Location:    d.locator.Locate(ctx, in.IPAddress, in.Headers),
	}
	clean := SuspicionResult{Fingerprint: result.Fingerprint, Location: result.Location}

	cutoff := in.At.Add(-d.opts.Retention)

	newDevice, err := d.isNovel(ctx, devicesKey(in.IdentityID), result.Fingerprint, cutoff)
	if err != nil {
		d.storeFailure(err, in.IdentityID)
		return clean
	}
	result.NewDevice = newDevice

	if result.Location.Known() {
		newLocation, err := d.isNovel(ctx, locationsKey(in.IdentityID), result.Location.String(), cutoff)
		if err != nil {
			d.storeFailure(err, in.IdentityID)
			return clean
		}
		result.NewLocation = newLocation
	}

	hour := in.At.In(d.zones.For(in.TenantID)).Hour()
	result.UnusualTime = hour < quietStart || hour >= quietEnd

	if result.Location.Known() {
		previous, err := d.lastLogin(ctx, in.IdentityID)
		if err != nil {
			d.storeFailure(err, in.IdentityID)
			return clean
		}
		if previous != nil && previous.Country != result.Location.Country {
			elapsed := in.At.Sub(previous.At)
			result.ImpossibleTravel = elapsed >= 0 && elapsed < d.opts.TravelWindow
		}
	}

	if result.NewDevice {
		result.Reasons = append(result.Reasons, ReasonNewDevice)
	}
	if result.NewLocation {
		result.Reasons = append(result.Reasons, ReasonNewLocation)
	}
	if result.UnusualTime {
		result.Reasons = append(result.Reasons, ReasonUnusualTime)
	}
	if result.ImpossibleTravel {
		result.Reasons = append(result.Reasons, ReasonImpossibleTravel)
	}

	if result.Suspicious() {
		for _, reason := range result.Reasons {
			obs.SuspiciousLogins.WithLabelValues(reason).Inc()
		}
		return result
	}

	if err := d.learn(ctx, in.IdentityID, result.Fingerprint, result.Location, in.At, true); err != nil {
		d.log.Warn().Err(err).Str("identity_id", in.IdentityID).Msg("failed to update known devices and locations")
	}
	return result
}

// Trust adds a device and location to the known sets without the clean-login
// requirement, scored at at (now when zero). The last-login record is left
// untouched.
func (d *Detector) Trust(ctx context.Context, identityID, fingerprint string, location Location, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return d.learn(ctx, identityID, fingerprint, location, at, false)
}

// TrustRequest derives the fingerprint and location of a request and trusts
// them.
func (d *Detector) TrustRequest(ctx context.Context, in Input) (string, Location, error) {
	fingerprint := Fingerprint(in.UserAgent)
	location := d.locator.Locate(ctx, in.IPAddress, in.Headers)
	return fingerprint, location, d.Trust(ctx, in.IdentityID, fingerprint, location, in.At)
}

// isNovel prunes entries older than cutoff and reports whether member is
// missing from a set that already has a baseline.
func (d *Detector) isNovel(ctx context.Context, key, member string, cutoff time.Time) (bool, error) {
	if err := d.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.Unix(), 10)).Err(); err != nil {
		return false, err
	}

	err := d.rdb.ZScore(ctx, key, member).Err()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, err
	}

	size, err := d.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return size > 0, nil
}

func (d *Detector) lastLogin(ctx context.Context, identityID string) (*lastLogin, error) {
	raw, err := d.rdb.Get(ctx, lastKey(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record lastLogin
	if err := json.Unmarshal(raw, &record); err != nil {
		d.log.Debug().Err(err).Str("identity_id", identityID).Msg("discarding malformed last-login record")
		return nil, nil
	}
	return &record, nil
}

func (d *Detector) learn(ctx context.Context, identityID, fingerprint string, location Location, at time.Time, recordLast bool) error {
	score := float64(at.Unix())
	_, err := d.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if fingerprint != "" {
			pipe.ZAdd(ctx, devicesKey(identityID), redis.Z{Score: score, Member: fingerprint})
			pipe.Expire(ctx, devicesKey(identityID), d.opts.Retention)
		}
		if location.Known() {
			pipe.ZAdd(ctx, locationsKey(identityID), redis.Z{Score: score, Member: location.String()})
			pipe.Expire(ctx, locationsKey(identityID), d.opts.Retention)

			if recordLast {
				payload, err := json.Marshal(lastLogin{Country: location.Country, City: location.City, At: at.UTC()})
				if err != nil {
					return err
				}
				pipe.Set(ctx, lastKey(identityID), payload, d.opts.LastLoginTTL)
			}
		}
		return nil
	})
	return err
}

func (d *Detector) storeFailure(err error, identityID string) {
	d.log.Warn().Err(err).Str("identity_id", identityID).Msg("anomaly store unavailable, treating login as not suspicious")
}
