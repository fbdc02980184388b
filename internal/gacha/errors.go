package gacha

import "github.com/cockroachdb/errors"

var (
	// ErrConfig marks bad weights, thresholds or unknown pack types.
	ErrConfig = errors.New("invalid loot configuration")

	// ErrSupplyExhausted is returned when no item of a tier can still be granted.
	ErrSupplyExhausted = errors.New("supply exhausted")

	// ErrAllTiersExcluded is returned by Plan when every tier was excluded.
	ErrAllTiersExcluded = errors.New("no tier left to resolve")
)

// configErrorf builds an error marked as ErrConfig.
func configErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}
