package anomaly

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// TimeZones maps tenants to the timezone used for the unusual-time check.
type TimeZones struct {
	fallback *time.Location
	tenants  map[string]*time.Location
}

func NewTimeZones(reference string, tenants map[string]string) (*TimeZones, error) {
	if reference == "" {
		reference = "UTC"
	}
	fallback, err := time.LoadLocation(reference)
	if err != nil {
		return nil, fmt.Errorf("reference timezone %q: %w", reference, err)
	}

	zones := &TimeZones{fallback: fallback, tenants: make(map[string]*time.Location, len(tenants))}
	for tenant, name := range tenants {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("timezone %q for tenant %s: %w", name, tenant, err)
		}
		zones.tenants[tenant] = loc
	}
	return zones, nil
}

func (z *TimeZones) For(tenantID string) *time.Location {
	if z == nil {
		return time.UTC
	}
	if loc, ok := z.tenants[tenantID]; ok {
		return loc
	}
	return z.fallback
}
