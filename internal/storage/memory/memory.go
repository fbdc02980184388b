// Package memory is a transactional in-memory store with row-level locks.
// It is intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/gacha"
)

var _ economy.Store = (*Store)(nil)

type pityKey struct {
	user string
	pool string
	tier gacha.Tier
}

// Store keeps committed state in maps guarded by mu. Transactions stage
// their writes and hold per-row locks until they finish.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]economy.Account
	pity     map[pityKey]gacha.PityCounter
	items    map[string]gacha.ItemCatalogEntry
	holdings map[string]map[string]uint32
	ledger   []economy.LedgerEntry

	locks       *lockTable
	lockTimeout time.Duration
	now         func() time.Time
}

type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a row lock before
// failing with economy.ErrConcurrencyConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]economy.Account),
		pity:        make(map[pityKey]gacha.PityCounter),
		items:       make(map[string]gacha.ItemCatalogEntry),
		holdings:    make(map[string]map[string]uint32),
		locks:       newLockTable(),
		lockTimeout: 2 * time.Second,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Begin opens a transaction.
func (s *Store) Begin(context.Context) (economy.Tx, error) {
	return &tx{
		s:        s,
		held:     make(map[string]bool),
		accounts: make(map[string]economy.Account),
		pity:     make(map[pityKey]gacha.PityCounter),
		items:    make(map[string]gacha.ItemCatalogEntry),
		holdings: make(map[string]map[string]uint32),
	}, nil
}

// UpsertCatalog ------------------------------------------------------------

func (s *Store) UpsertCatalog(_ context.Context, items []gacha.ItemCatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if it.ItemID == "" {
			return errors.New("catalog item without id")
		}
		if old, ok := s.items[it.ItemID]; ok {
			it.CurrentOwners = old.CurrentOwners
		}
		s.items[it.ItemID] = cloneItem(it)
	}
	return nil
}

// ReadStore ----------------------------------------------------------------

func (s *Store) GetAccount(_ context.Context, userID string) (economy.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[userID]; ok {
		return a, nil
	}
	return economy.Account{UserID: userID}, nil
}

func (s *Store) ListPity(_ context.Context, userID string) ([]gacha.PityCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gacha.PityCounter
	for k, c := range s.pity {
		if k.user == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pool != out[j].Pool {
			return out[i].Pool < out[j].Pool
		}
		return out[i].Tier < out[j].Tier
	})
	return out, nil
}

func (s *Store) ListHoldings(_ context.Context, userID string) ([]economy.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []economy.Holding
	for id, n := range s.holdings[userID] {
		out = append(out, economy.Holding{UserID: userID, ItemID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) Catalog(_ context.Context) ([]gacha.ItemCatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gacha.ItemCatalogEntry, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) Ledger(_ context.Context, userID string) ([]economy.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []economy.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) LedgerSum(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, e := range s.ledger {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (s *Store) ListAccounts(_ context.Context, afterUserID string, limit int) ([]economy.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]economy.Account, len(ids))
	for i, id := range ids {
		out[i] = s.accounts[id]
	}
	return out, nil
}

func (s *Store) AuditAccounts(_ context.Context, afterUserID string, limit int) ([]economy.AuditRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]economy.AuditRow, len(ids))
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		out[i] = economy.AuditRow{UserID: id, Balance: s.accounts[id].Balance}
		idx[id] = i
	}
	for _, e := range s.ledger {
		if i, ok := idx[e.UserID]; ok {
			out[i].LedgerSum += e.Delta
		}
	}
	return out, nil
}

// State is a deep copy of everything committed.
type State struct {
	Accounts map[string]economy.Account
	Pity     []gacha.PityCounter
	Items    map[string]gacha.ItemCatalogEntry
	Holdings map[string]map[string]uint32
	Ledger   []economy.LedgerEntry
}

// Snapshot copies the committed state, e.g. to compare before and after a
// failed operation.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		Accounts: make(map[string]economy.Account, len(s.accounts)),
		Items:    make(map[string]gacha.ItemCatalogEntry, len(s.items)),
		Holdings: make(map[string]map[string]uint32, len(s.holdings)),
		Ledger:   append([]economy.LedgerEntry(nil), s.ledger...),
	}
	for k, v := range s.accounts {
		st.Accounts[k] = v
	}
	for _, c := range s.pity {
		st.Pity = append(st.Pity, c)
	}
	sort.Slice(st.Pity, func(i, j int) bool {
		a, b := st.Pity[i], st.Pity[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Pool != b.Pool {
			return a.Pool < b.Pool
		}
		return a.Tier < b.Tier
	})
	for k, v := range s.items {
		st.Items[k] = cloneItem(v)
	}
	for u, m := range s.holdings {
		st.Holdings[u] = copyCounts(m)
	}
	return st
}

func cloneItem(it gacha.ItemCatalogEntry) gacha.ItemCatalogEntry {
	if it.MaxOwners != nil {
		v := *it.MaxOwners
		it.MaxOwners = &v
	}
	return it
}

func copyCounts(m map[string]uint32) map[string]uint32 {
	out := make(map[string]uint32, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
