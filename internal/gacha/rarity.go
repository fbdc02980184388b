package gacha

import (
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/token"
)

// Tier is a rarity tier. Higher values are rarer.
type Tier int

const (
	Common Tier = iota
	Uncommon
	Rare
	Epic
	Legendary
)

// Tiers lists every tier in ascending rarity.
var Tiers = []Tier{Common, Uncommon, Rare, Epic, Legendary}

var tierNames = [...]string{"common", "uncommon", "rare", "epic", "legendary"}

func (t Tier) String() string {
	if t < Common || t > Legendary {
		return "unknown"
	}
	return tierNames[t]
}

func (t Tier) Valid() bool { return t >= Common && t <= Legendary }

// ParseTier accepts the lower-case tier name.
func ParseTier(s string) (Tier, error) {
	for i, n := range tierNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return Tier(i), nil
		}
	}
	return 0, configErrorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Newf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// weightTolerance bounds how far a normalized distribution may drift from 1.
const weightTolerance = 1e-9

// RarityWeight is one tier's entry in a pack type.
type RarityWeight struct {
	Tier          Tier
	BaseWeight    float64
	PityThreshold uint32 // 0 = no pity
	Bonus         *BonusConfig
}

// Tracked reports whether the tier carries pity.
func (w RarityWeight) Tracked() bool { return w.PityThreshold > 0 }

// PackType describes one openable pack.
type PackType struct {
	Name     string
	PityPool string // defaults to Name
	Price    token.Price
	Weights  []RarityWeight
}

// Pool returns the pity pool the pack's counters live in.
func (p PackType) Pool() string {
	if p.PityPool == "" {
		return p.Name
	}
	return p.PityPool
}

// Rule returns the weight entry for a tier.
func (p PackType) Rule(t Tier) (RarityWeight, bool) {
	for _, w := range p.Weights {
		if w.Tier == t {
			return w, true
		}
	}
	return RarityWeight{}, false
}

// TierWeight is a normalized (tier, weight) pair.
type TierWeight struct {
	Tier   Tier
	Weight float64
}

// RarityTable holds the validated pack types. It is immutable once built.
type RarityTable struct {
	packs map[string]PackType
}

// NewRarityTable validates each pack. Valid packs go into the table; the
// returned error joins the reasons every other pack was refused.
func NewRarityTable(packs ...PackType) (*RarityTable, error) {
	t := &RarityTable{packs: make(map[string]PackType, len(packs))}
	var errs []error
	for _, p := range packs {
		if err := validatePack(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := t.packs[p.Name]; dup {
			errs = append(errs, configErrorf("pack %q: declared twice", p.Name))
			continue
		}
		sorted := p
		sorted.Weights = append([]RarityWeight(nil), p.Weights...)
		sort.Slice(sorted.Weights, func(i, j int) bool { return sorted.Weights[i].Tier < sorted.Weights[j].Tier })
		t.packs[p.Name] = sorted
	}
	errs = append(errs, t.checkPools()...)
	if len(errs) > 0 {
		return t, errors.Mark(errors.Join(errs...), ErrConfig)
	}
	return t, nil
}

// checkPools drops packs whose pool shares counters under different pity rules.
func (t *RarityTable) checkPools() []error {
	byPool := make(map[string][]string)
	for name, p := range t.packs {
		byPool[p.Pool()] = append(byPool[p.Pool()], name)
	}
	var errs []error
	for pool, names := range byPool {
		sort.Strings(names)
		ref := t.packs[names[0]]
		for _, name := range names[1:] {
			if !samePity(ref, t.packs[name]) {
				errs = append(errs, configErrorf(
					"pack %q: pity rules differ from %q in shared pool %q", name, ref.Name, pool))
				delete(t.packs, name)
			}
		}
	}
	return errs
}

func samePity(a, b PackType) bool {
	for _, tier := range Tiers {
		ra, _ := a.Rule(tier)
		rb, _ := b.Rule(tier)
		if ra.PityThreshold != rb.PityThreshold {
			return false
		}
		if (ra.Bonus == nil) != (rb.Bonus == nil) {
			return false
		}
		if ra.Bonus != nil && *ra.Bonus != *rb.Bonus {
			return false
		}
	}
	return true
}

// Pack returns a pack type by name.
func (t *RarityTable) Pack(name string) (PackType, error) {
	if t == nil {
		return PackType{}, configErrorf("unknown pack type %q", name)
	}
	p, ok := t.packs[name]
	if !ok {
		return PackType{}, configErrorf("unknown pack type %q", name)
	}
	return p, nil
}

// PackNames lists the served pack types in sorted order.
func (t *RarityTable) PackNames() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.packs))
	for n := range t.packs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// WeightsFor returns the normalized distribution of a pack type in
// ascending tier order.
func (t *RarityTable) WeightsFor(packType string) ([]TierWeight, error) {
	p, err := t.Pack(packType)
	if err != nil {
		return nil, err
	}
	raw := make([]TierWeight, len(p.Weights))
	for i, w := range p.Weights {
		raw[i] = TierWeight{Tier: w.Tier, Weight: w.BaseWeight}
	}
	return normalize(raw)
}

// normalize scales weights to sum to 1 and fails closed on anything that
// cannot produce a valid distribution.
func normalize(ws []TierWeight) ([]TierWeight, error) {
	var sum float64
	for _, w := range ws {
		if err := validateWeight(w.Weight); err != nil {
			return nil, errors.Wrapf(err, "tier %s", w.Tier)
		}
		sum += w.Weight
	}
	if sum <= 0 || math.IsInf(sum, 0) {
		return nil, configErrorf("weights sum to %v", sum)
	}
	out := make([]TierWeight, len(ws))
	var check float64
	for i, w := range ws {
		out[i] = TierWeight{Tier: w.Tier, Weight: w.Weight / sum}
		check += out[i].Weight
	}
	if math.Abs(check-1) > weightTolerance {
		return nil, configErrorf("normalized weights sum to %v", check)
	}
	return out, nil
}

func validatePack(p PackType) error {
	if p.Name == "" {
		return configErrorf("pack without a name")
	}
	if len(p.Weights) == 0 {
		return configErrorf("pack %q: no tiers", p.Name)
	}
	if err := p.Price.Validate(); err != nil {
		return errors.Mark(errors.Wrapf(err, "pack %q", p.Name), ErrConfig)
	}
	seen := make(map[Tier]bool, len(p.Weights))
	var sum float64
	for _, w := range p.Weights {
		if !w.Tier.Valid() {
			return configErrorf("pack %q: invalid tier %d", p.Name, int(w.Tier))
		}
		if seen[w.Tier] {
			return configErrorf("pack %q: tier %s listed twice", p.Name, w.Tier)
		}
		seen[w.Tier] = true
		if err := validateWeight(w.BaseWeight); err != nil || w.BaseWeight == 0 {
			return configErrorf("pack %q: tier %s weight must be > 0, got %v", p.Name, w.Tier, w.BaseWeight)
		}
		sum += w.BaseWeight
		if w.Bonus != nil {
			if err := w.Bonus.validate(w.PityThreshold); err != nil {
				return errors.Mark(errors.Wrapf(err, "pack %q: tier %s", p.Name, w.Tier), ErrConfig)
			}
		}
	}
	if math.IsInf(sum, 0) || sum <= 0 {
		return configErrorf("pack %q: weights sum to %v", p.Name, sum)
	}
	return nil
}
