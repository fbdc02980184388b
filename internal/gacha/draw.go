package gacha

import "github.com/cockroachdb/errors"

var ErrInvalidDraw = errors.New("random draw outside [0,1)")

// drawIndex picks a bucket by cumulative-distribution sampling.
// Weights must already be normalized. The first bucket whose cumulative
// weight is >= u wins; float residue falls through to the last bucket.
func drawIndex(weights []float64, rng RandomSource) (int, error) {
	if len(weights) == 0 {
		return 0, errors.New("draw from an empty distribution")
	}
	if rng == nil {
		rng = DefaultRNG()
	}
	u := rng.Float64()
	if !(u >= 0 && u < 1) {
		return 0, errors.Wrapf(ErrInvalidDraw, "got %v", u)
	}
	var cum float64
	for i, w := range weights {
		cum += w
		if cum >= u && w > 0 {
			return i, nil
		}
	}
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
