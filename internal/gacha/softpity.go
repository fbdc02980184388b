package gacha

import "github.com/cockroachdb/errors"

// Easing specifies how the bonus ramps up as we approach pity.
type Easing string

const (
	EaseLinear     Easing = "linear"
	EaseOutQuad    Easing = "easeOutQuad"
	EaseInOutCubic Easing = "easeInOutCubic"
)

var ErrSoftPityConfig = errors.New("invalid soft pity config")

// BonusConfig defines the soft pity ramp before the hard pity.
// Example: Pity=90, StartAt=74, MaxMultiplier=8 → from miss #74 up to #88,
// the last unforced count, the tier's weight is scaled from 1x to 8x.
type BonusConfig struct {
	StartAt       uint32  `yaml:"start_at"`       // misses since last award before the ramp begins
	MaxMultiplier float64 `yaml:"max_multiplier"` // multiplier at (Pity-2), must be >= 1
	Easing        Easing  `yaml:"easing"`
}

// validate checks the ramp against the tier's hard pity.
func (c *BonusConfig) validate(pity uint32) error {
	if pity <= 1 {
		return errors.Wrap(ErrSoftPityConfig, "bonus requires a pity threshold > 1")
	}
	if !(c.MaxMultiplier >= 1) {
		return errors.Wrapf(ErrSoftPityConfig, "max_multiplier %v must be >= 1", c.MaxMultiplier)
	}
	// count Pity-1 is already forced, so StartAt must leave one boosted count.
	if c.StartAt >= pity-1 {
		return errors.Wrapf(ErrSoftPityConfig, "start_at %d must be < pity-1 (%d)", c.StartAt, pity-1)
	}
	switch c.Easing {
	case "", EaseLinear, EaseOutQuad, EaseInOutCubic:
	default:
		return errors.Wrapf(ErrSoftPityConfig, "unknown easing %q", c.Easing)
	}
	return nil
}

// ease maps t in [0,1] through the configured curve.
func (e Easing) ease(t float64) float64 {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	switch e {
	case EaseOutQuad:
		// f(t) = 1 - (1 - t)^2
		return 1 - (1-t)*(1-t)
	case EaseInOutCubic:
		// accelerate then decelerate
		if t < 0.5 {
			return 4 * t * t * t
		}
		return 1 - (-2*t+2)*(-2*t+2)*(-2*t+2)/2
	default:
		return t
	}
}

// BonusMultiplier returns the weight multiplier for a tier whose counter is
// at count. It is 1 outside the BONUS_ACTIVE state.
func BonusMultiplier(count uint32, rule RarityWeight) float64 {
	if rule.Bonus == nil || Classify(count, rule) != BonusActive {
		return 1
	}
	// Pity-1 is GUARANTEED, so the ramp tops out one count earlier
	end := rule.PityThreshold - 2
	if count >= end {
		return rule.Bonus.MaxMultiplier
	}
	t := float64(count-rule.Bonus.StartAt) / float64(end-rule.Bonus.StartAt)
	return 1 + (rule.Bonus.MaxMultiplier-1)*rule.Bonus.Easing.ease(t)
}
