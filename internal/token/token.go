package token

import "github.com/cockroachdb/errors"

// ErrOverflow is returned when a pack total does not fit in a balance.
var ErrOverflow = errors.New("pack cost overflows")

// Price defines how much currency a pack opening costs.
type Price struct {
	Currency   string `yaml:"currency"`    // e.g. "gems"
	PerPack    uint64 `yaml:"per_pack"`    // cost of a single pull
	PerBundle  uint64 `yaml:"per_bundle"`  // optional; cost of BundleSize pulls bought together
	BundleSize uint32 `yaml:"bundle_size"` // optional; 0 or 1 disables bundles
}

// Total returns the cost of n pulls. Full bundles are billed at PerBundle,
// the remainder at PerPack.
func (p Price) Total(n uint32) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	bundles, rem := uint64(0), uint64(n)
	if p.PerBundle > 0 && p.BundleSize > 1 {
		bundles = uint64(n / p.BundleSize)
		rem = uint64(n % p.BundleSize)
	}
	a, ok := mul(bundles, p.PerBundle)
	if !ok {
		return 0, errors.Wrapf(ErrOverflow, "%d bundles", bundles)
	}
	b, ok := mul(rem, p.PerPack)
	if !ok {
		return 0, errors.Wrapf(ErrOverflow, "%d pulls", rem)
	}
	if a+b < a {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Validate reports a non-nil error for a price that cannot bill anything.
func (p Price) Validate() error {
	// every pull outside a bundle is billed at PerPack, so zero would be free
	if p.PerPack == 0 {
		return errors.New("price must set per_pack > 0")
	}
	return nil
}

func mul(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	return c, c/b == a
}
