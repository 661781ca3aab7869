// Package tiers defines the autonomy trust tiers and the pure rule that
// derives an agent's tier from its verification history.
//
// Passing verification does not grant a tier above spawn. Tiers are earned by
// elapsed time since verification and are revoked by accumulated spot-check
// failures; a human can babysit an agent through one verification window, but
// not through weeks of sleep-hour spot checks.
package tiers

import (
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

// Re-exported tier IDs.
const (
	TierSpawn       = contracts.TierSpawn
	TierAutonomous1 = contracts.TierAutonomous1
	TierAutonomous2 = contracts.TierAutonomous2
	TierAutonomous3 = contracts.TierAutonomous3
)

// Day thresholds since autonomous_verified_at. They strictly increase with tier.
const (
	// Autonomous1MinDays keeps an agent at spawn for its first day after
	// verification. Passing a session marks the agent verified at spawn, and
	// a zero floor would let the next Refresh promote it to autonomous-1 at
	// once; the first tier has to be earned by surviving a day of spot checks.
	Autonomous1MinDays = 1
	Autonomous2MinDays = 7
	Autonomous3MinDays = 30
)

// RevocationThreshold is the spot_checks_failed count that automatically revokes verification.
const RevocationThreshold = 10

// Tier describes a trust tier.
type Tier struct {
	ID      contracts.TierID `json:"id"`
	Name    string           `json:"name"`
	Numeral string           `json:"numeral"`
	Level   int              `json:"level"`
	MinDays int              `json:"min_days"`
	// SpotCheckInterval grows with the tier: trusted agents are checked less often.
	SpotCheckInterval time.Duration `json:"spot_check_interval"`
	Description       string        `json:"description"`
}

// All available tiers
var (
	Spawn = Tier{
		ID:                TierSpawn,
		Name:              "Spawn",
		Numeral:           "0",
		Level:             0,
		MinDays:           0,
		SpotCheckInterval: 6 * time.Hour,
		Description:       "Unverified, or verified too recently to have earned a tier",
	}

	Autonomous1 = Tier{
		ID:                TierAutonomous1,
		Name:              "Autonomous",
		Numeral:           "I",
		Level:             1,
		MinDays:           Autonomous1MinDays,
		SpotCheckInterval: 12 * time.Hour,
		Description:       "Verified and continuously responsive for at least a day",
	}

	Autonomous2 = Tier{
		ID:                TierAutonomous2,
		Name:              "Autonomous",
		Numeral:           "II",
		Level:             2,
		MinDays:           Autonomous2MinDays,
		SpotCheckInterval: 24 * time.Hour,
		Description:       "Verified and continuously responsive for at least a week",
	}

	Autonomous3 = Tier{
		ID:                TierAutonomous3,
		Name:              "Autonomous",
		Numeral:           "III",
		Level:             3,
		MinDays:           Autonomous3MinDays,
		SpotCheckInterval: 72 * time.Hour,
		Description:       "Verified and continuously responsive for at least a month",
	}

	// AllTiers is ordered from lowest to highest.
	AllTiers = []Tier{Spawn, Autonomous1, Autonomous2, Autonomous3}
)

// Get returns a tier by ID, or nil if not found.
func Get(id contracts.TierID) *Tier {
	for _, t := range AllTiers {
		if t.ID == id {
			tier := t
			return &tier
		}
	}
	return nil
}

// Derivation is the output of Derive.
type Derivation struct {
	Tier contracts.TierID
	// Revoke is set when accumulated failures require clearing the verified flag.
	Revoke bool
	// ConsecutiveDays is the whole number of days since verification (0 if unverified).
	ConsecutiveDays int
}

// Derive computes the tier from verification state. It is pure: the same
// inputs always yield the same Derivation.
func Derive(verified bool, verifiedAt *time.Time, spotChecksFailed int, now time.Time) Derivation {
	if !verified {
		return Derivation{Tier: TierSpawn}
	}
	if spotChecksFailed >= RevocationThreshold {
		return Derivation{Tier: TierSpawn, Revoke: true}
	}
	days := DaysSince(verifiedAt, now)
	d := Derivation{ConsecutiveDays: days}
	switch {
	case days >= Autonomous3MinDays:
		d.Tier = TierAutonomous3
	case days >= Autonomous2MinDays:
		d.Tier = TierAutonomous2
	case days >= Autonomous1MinDays:
		d.Tier = TierAutonomous1
	default:
		d.Tier = TierSpawn
	}
	return d
}

// DaysSince returns whole days elapsed since t, or 0 when t is nil or in the future.
func DaysSince(t *time.Time, now time.Time) int {
	if t == nil || now.Before(*t) {
		return 0
	}
	return int(now.Sub(*t) / (24 * time.Hour))
}

// Apply runs Derive over a TrustState and writes the result back, clearing the
// verified flag on revocation. It reports whether the state was revoked.
func Apply(state *contracts.TrustState, now time.Time) bool {
	d := Derive(state.AutonomousVerified, state.AutonomousVerifiedAt, state.SpotChecksFailed, now)
	state.TrustTier = d.Tier
	if d.Revoke {
		state.AutonomousVerified = false
		return true
	}
	return false
}

// SpotCheckInterval returns the spot-check interval for a tier, falling back to spawn's.
func SpotCheckInterval(id contracts.TierID) time.Duration {
	if t := Get(id); t != nil {
		return t.SpotCheckInterval
	}
	return Spawn.SpotCheckInterval
}
