package gacha

import (
	"math"
)

func validateWeight(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return configErrorf("weight %v is not finite", w)
	}
	if w < 0 {
		return configErrorf("weight %v is negative", w)
	}
	return nil
}
