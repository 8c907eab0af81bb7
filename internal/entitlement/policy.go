// Package entitlement decides which signal records a consumer may see. All
// tier rules live here; callers only pass records through Visible or Gate.
package entitlement

import (
	"sort"
	"strings"
	"time"

	"signal-kitchen/internal/domain"
)

// StakeStep maps a minimum stake weight to the resolution unlocked for
// staked consumers at or above it.
type StakeStep struct {
	MinWeight  float64          `yaml:"min_weight"`
	Resolution domain.Timeframe `yaml:"resolution"`
}

// Table is the injected rule set: one policy per tier plus the stake-weight
// ladder used for staked consumers.
type Table struct {
	Policies   map[domain.Tier]domain.VisibilityPolicy
	StakeSteps []StakeStep
}

func DefaultPolicies() map[domain.Tier]domain.VisibilityPolicy {
	return map[domain.Tier]domain.VisibilityPolicy{
		domain.TierFree: {
			MaxAge:        24 * time.Hour,
			MinResolution: domain.Timeframe4h,
		},
		domain.TierStaked: {
			MaxAge:        15 * time.Minute,
			MinResolution: domain.Timeframe1h,
		},
		domain.TierGold: {
			MaxAge:          0,
			MinResolution:   domain.Timeframe5m,
			RealtimeAllowed: true,
			AlertsAllowed:   true,
		},
	}
}

func DefaultStakeSteps() []StakeStep {
	return []StakeStep{
		{MinWeight: 0, Resolution: domain.Timeframe1h},
		{MinWeight: 1_000, Resolution: domain.Timeframe15m},
		{MinWeight: 10_000, Resolution: domain.Timeframe5m},
	}
}

func DefaultTable() Table {
	return NewTable(DefaultPolicies(), DefaultStakeSteps())
}

// NewTable copies its inputs and orders the stake ladder by weight. Tiers
// missing from policies fall back to the defaults.
func NewTable(policies map[domain.Tier]domain.VisibilityPolicy, steps []StakeStep) Table {
	merged := DefaultPolicies()
	for tier, p := range policies {
		if tier.IsValid() {
			merged[tier] = p
		}
	}
	ladder := make([]StakeStep, 0, len(steps))
	for _, s := range steps {
		if s.Resolution.IsValid() && s.MinWeight >= 0 {
			ladder = append(ladder, s)
		}
	}
	sort.SliceStable(ladder, func(i, j int) bool { return ladder[i].MinWeight < ladder[j].MinWeight })
	return Table{Policies: merged, StakeSteps: ladder}
}

// PolicyFor returns the effective policy for a consumer. For staked
// consumers the resolution follows the stake ladder, clamped between the
// gold and free resolutions so that a higher tier never sees less.
func (t Table) PolicyFor(c domain.Consumer) (domain.VisibilityPolicy, bool) {
	p, ok := t.Policies[c.Tier]
	if !ok {
		return domain.VisibilityPolicy{}, false
	}
	if c.Tier != domain.TierStaked {
		return p, true
	}

	res := p.MinResolution
	for _, step := range t.StakeSteps {
		if c.StakeWeight >= step.MinWeight {
			res = step.Resolution
		}
	}
	finest := t.Policies[domain.TierGold].MinResolution
	coarsest := t.Policies[domain.TierFree].MinResolution
	if finest.IsValid() && res.Width() < finest.Width() {
		res = finest
	}
	if coarsest.IsValid() && res.Width() > coarsest.Width() {
		res = coarsest
	}
	p.MinResolution = res
	return p, true
}

// AllowedAssets is the set of assets a consumer may see: the default asset
// for free consumers, their subscriptions plus the default asset otherwise.
func AllowedAssets(c domain.Consumer) []string {
	out := []string{domain.DefaultAsset}
	if c.Tier == domain.TierFree || !c.Tier.IsValid() {
		return out
	}
	seen := map[string]struct{}{domain.DefaultAsset: {}}
	for _, a := range c.Assets {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func assetAllowed(c domain.Consumer, asset string) bool {
	asset = strings.ToUpper(asset)
	for _, a := range AllowedAssets(c) {
		if a == asset {
			return true
		}
	}
	return false
}

// ResolutionAllowed reports whether tf is at least as coarse as the
// consumer's effective minimum resolution.
func (t Table) ResolutionAllowed(c domain.Consumer, tf domain.Timeframe) bool {
	p, ok := t.PolicyFor(c)
	if !ok || !tf.IsValid() {
		return false
	}
	return tf.Width() >= p.MinResolution.Width()
}

// Visible filters records down to what the consumer may see at now. It is
// pure: the input slice is not modified and returned records are copies.
func Visible(t Table, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, records []domain.SignalRecord) []domain.SignalRecord {
	p, ok := t.PolicyFor(c)
	if !ok {
		return nil
	}
	if !assetAllowed(c, rt.Asset()) || !t.ResolutionAllowed(c, tf) {
		return nil
	}

	nowSec := now.Unix()
	current := domain.BucketStart(now, tf)
	maxAge := int64(p.MaxAge / time.Second)

	out := make([]domain.SignalRecord, 0, len(records))
	for _, rec := range records {
		if rec.RecordType != rt || rec.Timeframe != tf {
			continue
		}
		if rec.Bucket > nowSec || nowSec-rec.Bucket < maxAge {
			continue
		}
		if !p.RealtimeAllowed && rec.Bucket >= current {
			continue
		}
		if !p.AlertsAllowed {
			rec = rec.WithoutAlerts()
		}
		out = append(out, rec)
	}
	return out
}
