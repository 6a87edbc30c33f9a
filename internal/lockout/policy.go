// Package lockout implements progressive account lockout after repeated
// password failures.
package lockout

import "time"

// Indefinite is stored in identities.locked_until for accounts that only an
// administrator can unlock.
var Indefinite = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type Tier struct {
	Attempts int
	Duration time.Duration // zero means indefinite
}

var DefaultTiers = []Tier{
	{Attempts: 5, Duration: 5 * time.Minute},
	{Attempts: 10, Duration: 15 * time.Minute},
	{Attempts: 15, Duration: time.Hour},
	{Attempts: 20},
}

type Decision struct {
	Attempts   int
	Locked     bool
	Until      time.Time
	Indefinite bool
}

type Policy struct {
	tiers []Tier
}

func NewPolicy(tiers []Tier) *Policy {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	return &Policy{tiers: tiers}
}

// OnFailure decides what happens after the attempts-th consecutive failure.
// A lock is applied when a tier threshold is hit exactly; once the last tier
// is reached every further failure keeps the account locked indefinitely.
func (p *Policy) OnFailure(attempts int, now time.Time) Decision {
	d := Decision{Attempts: attempts}
	last := p.tiers[len(p.tiers)-1]

	var tier *Tier
	if attempts >= last.Attempts {
		tier = &last
	} else {
		for i := range p.tiers {
			if p.tiers[i].Attempts == attempts {
				tier = &p.tiers[i]
				break
			}
		}
	}
	if tier == nil {
		return d
	}

	d.Locked = true
	if tier.Duration == 0 {
		d.Indefinite = true
		d.Until = Indefinite
		return d
	}
	d.Until = now.Add(tier.Duration)
	return d
}

// IsLocked reports whether lockedUntil is still in the future.
func IsLocked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

func IsIndefinite(lockedUntil *time.Time) bool {
	return lockedUntil != nil && !lockedUntil.Before(Indefinite)
}
