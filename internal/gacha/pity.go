package gacha

import (
	"context"

	"github.com/cockroachdb/errors"
)

// PityState is the per (user, tier) pity state.
type PityState int

const (
	Normal PityState = iota
	BonusActive
	Guaranteed
)

func (s PityState) String() string {
	switch s {
	case BonusActive:
		return "BONUS_ACTIVE"
	case Guaranteed:
		return "GUARANTEED"
	default:
		return "NORMAL"
	}
}

// Classify derives the state of a counter under a tier rule.
// - count >= Pity-1 => the next pull is forced
// - a bonus is configured and count >= StartAt => weight is boosted
func Classify(count uint32, rule RarityWeight) PityState {
	if !rule.Tracked() {
		return Normal
	}
	if count+1 >= rule.PityThreshold {
		return Guaranteed
	}
	if rule.Bonus != nil && count >= rule.Bonus.StartAt {
		return BonusActive
	}
	return Normal
}

// PityCounter counts pulls since a tier was last awarded.
type PityCounter struct {
	UserID         string `db:"user_id" json:"user_id"`
	Pool           string `db:"pool" json:"pool"`
	Tier           Tier   `db:"tier" json:"tier"`
	CurrentCount   uint32 `db:"current_count" json:"current_count"`
	GuaranteedNext bool   `db:"guaranteed_next" json:"guaranteed_next"`
}

// PityStore persists counters. LoadPity returns the zero state when absent.
type PityStore interface {
	LoadPity(ctx context.Context, userID, pool string, tier Tier) (PityCounter, error)
	SavePity(ctx context.Context, c PityCounter) error
}

// PityTracker applies pull outcomes to counters. It holds no state of its
// own; the store decides isolation.
type PityTracker struct {
	store PityStore
}

func NewPityTracker(store PityStore) *PityTracker {
	return &PityTracker{store: store}
}

// CurrentState returns the counter, zero-valued if it was never written.
func (t *PityTracker) CurrentState(ctx context.Context, userID, pool string, tier Tier) (PityCounter, error) {
	c, err := t.store.LoadPity(ctx, userID, pool, tier)
	if err != nil {
		return PityCounter{}, errors.Wrapf(err, "load pity %s/%s/%s", userID, pool, tier)
	}
	c.UserID, c.Pool, c.Tier = userID, pool, tier
	return c, nil
}

// RecordPull applies one pull to the tier's counter.
// - On award, Count resets to 0; otherwise, Count increments
// - GuaranteedNext is set once the next pull would be forced
func (t *PityTracker) RecordPull(ctx context.Context, userID, pool string, rule RarityWeight, wasAwarded bool) error {
	if !rule.Tracked() {
		return nil
	}
	c, err := t.CurrentState(ctx, userID, pool, rule.Tier)
	if err != nil {
		return err
	}
	if wasAwarded {
		c.CurrentCount = 0
	} else {
		c.CurrentCount++
	}
	c.GuaranteedNext = Classify(c.CurrentCount, rule) == Guaranteed
	if err := t.store.SavePity(ctx, c); err != nil {
		return errors.Wrapf(err, "save pity %s/%s/%s", userID, pool, rule.Tier)
	}
	return nil
}
