// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (server deployments), SQLite
// (single-trader installs), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/evetrade/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned (wrapped) when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrLotUnderflow is returned when a decrement would push a lot's
	// remaining quantity below zero. The row is left unchanged.
	ErrLotUnderflow = errors.New("store: lot remaining quantity would go negative")
)

// QueueFilter narrows ListQueue. Zero values mean "any".
type QueueFilter struct {
	PrincipalID int64
	Status      string
}

// Tx is the set of operations available both directly on a Store and
// inside a transaction.
type Tx interface {
	// --- Principals ---

	// ListPrincipals returns principals, default trader first, then by id.
	ListPrincipals(ctx context.Context) ([]model.Principal, error)
	GetPrincipal(ctx context.Context, id int64) (*model.Principal, error)
	GetPrincipalByCharacter(ctx context.Context, characterID int64) (*model.Principal, error)
	CreatePrincipal(ctx context.Context, p *model.Principal) error
	// UpdatePrincipal rewrites identity fields, token, and flags.
	UpdatePrincipal(ctx context.Context, p *model.Principal) error
	UpdateRefreshToken(ctx context.Context, principalID int64, token string) error
	SetScanFlags(ctx context.Context, principalID int64, buys, sells bool) error

	// --- Items ---

	GetItem(ctx context.Context, id int64) (*model.Item, error)
	GetItemByTypeID(ctx context.Context, typeID int64) (*model.Item, error)
	GetItemByName(ctx context.Context, name string) (*model.Item, error)
	CreateItem(ctx context.Context, item *model.Item) error
	// AttachItemType binds a type id (and optionally volume) to an item
	// that had none.
	AttachItemType(ctx context.Context, itemID, typeID int64, volume *float64) error

	// --- Ledger ---

	CreateBatch(ctx context.Context, b *model.ImportBatch) error
	InsertLot(ctx context.Context, lot *model.InventoryLot) error

	// OpenLots returns lots with remaining > 0 in FIFO order
	// (acquired_at asc, id asc).
	OpenLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error)
	ListLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error)

	// DecrementLot atomically subtracts take from a lot's remaining
	// quantity and returns the new value. Fails with ErrLotUnderflow
	// instead of going negative.
	DecrementLot(ctx context.Context, lotID, take int64) (int64, error)

	// InsertEvent appends an immutable audit event.
	InsertEvent(ctx context.Context, e *model.InventoryEvent) error
	ListEvents(ctx context.Context, itemID int64) ([]model.InventoryEvent, error)

	// --- Buy review queue ---

	// EnqueueBuy inserts the entry unless (principal, transaction) is
	// already queued. Reports whether a row was created.
	EnqueueBuy(ctx context.Context, e *model.QueueEntry) (bool, error)
	// ListQueue returns entries newest first (eve_time desc, id desc).
	ListQueue(ctx context.Context, f QueueFilter) ([]model.QueueEntry, error)
	GetQueueEntries(ctx context.Context, ids []int64) ([]model.QueueEntry, error)
	SetQueueStatus(ctx context.Context, id int64, status string, at time.Time) error

	// --- Sync cursor ---

	GetCursor(ctx context.Context, principalID int64) (*model.SyncCursor, error)
	SaveCursor(ctx context.Context, c *model.SyncCursor) error

	// --- Settings ---

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	// GetOrCreateSetting stores def when key is absent and returns the
	// stored value.
	GetOrCreateSetting(ctx context.Context, key, def string) (string, error)
}

// Store is the persistence interface. Writes issued by fn inside InTx
// commit together or not at all. fn must only use the Tx it is given.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
