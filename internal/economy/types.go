package economy

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xtding233/gacha-economy/internal/gacha"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAllocationFailed    = errors.New("allocation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Reason tags a ledger entry.
type Reason string

const (
	ReasonCredit       Reason = "credit"
	ReasonPackPurchase Reason = "pack_purchase"
	ReasonItemGrant    Reason = "item_grant"
)

// Account is a user's currency balance.
type Account struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Balance   uint64    `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LedgerEntry is an immutable record of one currency movement or item grant.
type LedgerEntry struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Delta         int64     `db:"delta" json:"delta"`
	Reason        Reason    `db:"reason" json:"reason"`
	RelatedItemID string    `db:"related_item_id" json:"related_item_id,omitempty"`
	PackType      string    `db:"pack_type" json:"pack_type,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// AuditRow is an account balance next to its ledger total, read together.
type AuditRow struct {
	UserID    string `db:"user_id"`
	Balance   uint64 `db:"balance"`
	LedgerSum int64  `db:"ledger_sum"`
}

// Holding is how many units of an item a user owns.
type Holding struct {
	UserID string `db:"user_id" json:"user_id"`
	ItemID string `db:"item_id" json:"item_id"`
	Count  uint32 `db:"count" json:"count"`
}

// PullResult is one committed pull.
type PullResult struct {
	Tier   gacha.Tier `json:"tier"`
	ItemID string     `json:"item_id"`
	Forced bool       `json:"forced,omitempty"` // tier came from a pity guarantee
}

// OpenResult is what OpenPack returns after commit.
type OpenResult struct {
	Pulls      []PullResult `json:"pulls"`
	NewBalance uint64       `json:"new_balance"`
}

// Tx is one atomic unit of work. Lock* and LoadPity take row locks that are
// held until Commit or Rollback; reads see the transaction's own writes.
type Tx interface {
	gacha.PityStore
	gacha.CatalogReader

	// LockAccount locks the account row, creating a zero account if absent.
	LockAccount(ctx context.Context, userID string) (Account, error)
	SetBalance(ctx context.Context, userID string, balance uint64) error
	// GrantItem locks the catalog row, re-checks the cap, bumps the owner
	// count and the user's holding. A capped item fails with
	// gacha.ErrSupplyExhausted and nothing is written.
	GrantItem(ctx context.Context, userID, itemID string) (gacha.ItemCatalogEntry, error)
	AppendLedger(ctx context.Context, e LedgerEntry) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ReadStore exposes committed state only.
type ReadStore interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	ListPity(ctx context.Context, userID string) ([]gacha.PityCounter, error)
	ListHoldings(ctx context.Context, userID string) ([]Holding, error)
	Catalog(ctx context.Context) ([]gacha.ItemCatalogEntry, error)
	Ledger(ctx context.Context, userID string) ([]LedgerEntry, error)
	LedgerSum(ctx context.Context, userID string) (int64, error)
	// ListAccounts pages accounts ordered by user id, starting after afterUserID.
	ListAccounts(ctx context.Context, afterUserID string, limit int) ([]Account, error)
	// AuditAccounts pages like ListAccounts, but each balance and ledger sum
	// come from the same committed state.
	AuditAccounts(ctx context.Context, afterUserID string, limit int) ([]AuditRow, error)
}

// Store is the transactional persistence the coordinator runs on.
type Store interface {
	ReadStore
	Begin(ctx context.Context) (Tx, error)
	// UpsertCatalog inserts or updates catalog entries, keeping owner counts.
	UpsertCatalog(ctx context.Context, items []gacha.ItemCatalogEntry) error
}
