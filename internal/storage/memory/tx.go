package memory

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
)

var errTxDone = errors.New("transaction already finished")

// tx stages writes on top of the committed state. Reads of locked rows are
// stable because only the lock holder may commit changes to them.
type tx struct {
	s    *Store
	held map[string]bool
	done bool

	accounts map[string]economy.Account
	pity     map[pityKey]gacha.PityCounter
	items    map[string]gacha.ItemCatalogEntry
	holdings map[string]map[string]uint32
	ledger   []economy.LedgerEntry
}

func accountKey(userID string) string { return "account/" + userID }
func itemKey(itemID string) string    { return "item/" + itemID }
func holdingKey(userID string) string { return "holding/" + userID }
func pityRowKey(k pityKey) string {
	return "pity/" + k.user + "/" + k.pool + "/" + strconv.Itoa(int(k.tier))
}

func (t *tx) lock(ctx context.Context, key string) error {
	if t.done {
		return errTxDone
	}
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held[key] = true
	return nil
}

func (t *tx) mustHold(key string) error {
	if t.done {
		return errTxDone
	}
	if !t.held[key] {
		return errors.Newf("row %s written without its lock", key)
	}
	return nil
}

func (t *tx) LockAccount(ctx context.Context, userID string) (economy.Account, error) {
	if err := t.lock(ctx, accountKey(userID)); err != nil {
		return economy.Account{}, err
	}
	if a, ok := t.accounts[userID]; ok {
		return a, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if a, ok := t.s.accounts[userID]; ok {
		return a, nil
	}
	return economy.Account{UserID: userID}, nil
}

func (t *tx) SetBalance(_ context.Context, userID string, balance uint64) error {
	if err := t.mustHold(accountKey(userID)); err != nil {
		return err
	}
	t.accounts[userID] = economy.Account{UserID: userID, Balance: balance, UpdatedAt: t.s.now().UTC()}
	return nil
}

func (t *tx) LoadPity(ctx context.Context, userID, pool string, tier gacha.Tier) (gacha.PityCounter, error) {
	k := pityKey{user: userID, pool: pool, tier: tier}
	if err := t.lock(ctx, pityRowKey(k)); err != nil {
		return gacha.PityCounter{}, err
	}
	if c, ok := t.pity[k]; ok {
		return c, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if c, ok := t.s.pity[k]; ok {
		return c, nil
	}
	return gacha.PityCounter{UserID: userID, Pool: pool, Tier: tier}, nil
}

func (t *tx) SavePity(_ context.Context, c gacha.PityCounter) error {
	k := pityKey{user: c.UserID, pool: c.Pool, tier: c.Tier}
	if err := t.mustHold(pityRowKey(k)); err != nil {
		return err
	}
	t.pity[k] = c
	return nil
}

func (t *tx) CatalogByTier(_ context.Context, tier gacha.Tier) ([]gacha.ItemCatalogEntry, error) {
	if t.done {
		return nil, errTxDone
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []gacha.ItemCatalogEntry
	for id, it := range t.s.items {
		if staged, ok := t.items[id]; ok {
			it = staged
		}
		if it.Tier == tier {
			out = append(out, cloneItem(it))
		}
	}
	return out, nil
}

func (t *tx) Holdings(_ context.Context, userID string) (map[string]uint32, error) {
	if t.done {
		return nil, errTxDone
	}
	if m, ok := t.holdings[userID]; ok {
		return copyCounts(m), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return copyCounts(t.s.holdings[userID]), nil
}

func (t *tx) GrantItem(ctx context.Context, userID, itemID string) (gacha.ItemCatalogEntry, error) {
	if err := t.lock(ctx, itemKey(itemID)); err != nil {
		return gacha.ItemCatalogEntry{}, err
	}
	it, ok := t.items[itemID]
	if !ok {
		t.s.mu.RLock()
		it, ok = t.s.items[itemID]
		t.s.mu.RUnlock()
		if !ok {
			return gacha.ItemCatalogEntry{}, errors.Mark(errors.Newf("unknown item %q", itemID), gacha.ErrConfig)
		}
		it = cloneItem(it)
	}
	if it.SoldOut() {
		return gacha.ItemCatalogEntry{}, errors.Wrapf(gacha.ErrSupplyExhausted, "item %q at %d/%d", itemID, it.CurrentOwners, *it.MaxOwners)
	}
	if err := t.lock(ctx, holdingKey(userID)); err != nil {
		return gacha.ItemCatalogEntry{}, err
	}
	it.CurrentOwners++
	t.items[itemID] = it

	held, err := t.Holdings(ctx, userID)
	if err != nil {
		return gacha.ItemCatalogEntry{}, err
	}
	held[itemID]++
	t.holdings[userID] = held
	return cloneItem(it), nil
}

func (t *tx) AppendLedger(_ context.Context, e economy.LedgerEntry) error {
	if t.done {
		return errTxDone
	}
	if e.ID == "" || e.UserID == "" {
		return errors.New("ledger entry needs an id and a user")
	}
	t.ledger = append(t.ledger, e)
	return nil
}

func (t *tx) Commit(context.Context) error {
	if t.done {
		return errTxDone
	}
	s := t.s
	s.mu.Lock()
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for k, c := range t.pity {
		s.pity[k] = c
	}
	for id, staged := range t.items {
		// only the owner count belongs to the transaction
		it := s.items[id]
		it.CurrentOwners = staged.CurrentOwners
		s.items[id] = it
	}
	for u, m := range t.holdings {
		s.holdings[u] = m
	}
	s.ledger = append(s.ledger, t.ledger...)
	s.mu.Unlock()

	t.finish()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	for key := range t.held {
		t.s.locks.release(key)
	}
	t.held = nil
}
