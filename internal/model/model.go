// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64 for ISK.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scan and queue states.
const (
	SyncStatusOK      = "ok"
	SyncStatusSkipped = "skipped"
	SyncStatusError   = "error"

	QueuePending = "pending"
	QueueApplied = "applied"
	QueueIgnored = "ignored"

	EventImport   = "import"
	EventSale     = "sale"
	EventIndustry = "industry"

	SourceCharacter = "character"
)

// Principal is a linked character whose wallet is reconciled.
// RefreshToken may be sealed; see package secret.
type Principal struct {
	ID              int64     `json:"id" db:"id"`
	Kind            string    `json:"kind" db:"kind"` // "character"
	CharacterID     int64     `json:"character_id" db:"character_id"`
	Name            string    `json:"name" db:"name"`
	CorporationID   int64     `json:"corporation_id,omitempty" db:"corporation_id"`
	CorporationName string    `json:"corporation_name,omitempty" db:"corporation_name"`
	RefreshToken    string    `json:"-" db:"refresh_token"`
	Scopes          string    `json:"scopes,omitempty" db:"scopes"`
	OwnerHash       string    `json:"-" db:"owner_hash"`
	ScanBuys        bool      `json:"scan_buys" db:"scan_buys"`
	ScanSells       bool      `json:"scan_sells" db:"scan_sells"`
	IsDefaultTrader bool      `json:"is_default_trader" db:"is_default_trader"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Item is a local catalog entry, optionally bound to an EVE type id.
type Item struct {
	ID       int64    `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	TypeID   *int64   `json:"type_id,omitempty" db:"eve_type_id"`
	VolumeM3 *float64 `json:"volume_m3,omitempty" db:"volume_m3"`
}

// ImportBatch groups lots created by one import action.
type ImportBatch struct {
	ID        string    `json:"id" db:"id"`
	Note      string    `json:"note" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// InventoryLot is a FIFO lot. QuantityRemaining only ever decreases and
// lots are never deleted.
type InventoryLot struct {
	ID                int64           `json:"id" db:"id"`
	ItemID            int64           `json:"item_id" db:"item_id"`
	QuantityTotal     int64           `json:"quantity_total" db:"quantity_total"`
	QuantityRemaining int64           `json:"quantity_remaining" db:"quantity_remaining"`
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	AcquiredAt        time.Time       `json:"acquired_at" db:"acquired_at"`
	Source            string          `json:"source,omitempty" db:"source"`
	BatchID           string          `json:"batch_id,omitempty" db:"batch_id"`
}

// InventoryEvent is an immutable audit row, one per lot touched.
type InventoryEvent struct {
	ID        int64            `json:"id" db:"id"`
	Type      string           `json:"type" db:"event_type"` // import, sale, industry
	EventTime time.Time        `json:"event_time" db:"eve_time"`
	ItemID    int64            `json:"item_id" db:"item_id"`
	LotID     *int64           `json:"lot_id,omitempty" db:"lot_id"`
	Quantity  int64            `json:"quantity" db:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty" db:"unit_price"`
	Note      string           `json:"note,omitempty" db:"note"`
}

// QueueEntry is a wallet buy waiting for operator review.
// (PrincipalID, TransactionID) is unique.
type QueueEntry struct {
	ID            int64           `json:"id" db:"id"`
	SourceKind    string          `json:"source_kind" db:"source_kind"`
	PrincipalID   int64           `json:"principal_id" db:"principal_id"`
	TransactionID int64           `json:"transaction_id" db:"transaction_id"`
	ItemID        int64           `json:"item_id" db:"item_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	LocationID    int64           `json:"location_id,omitempty" db:"location_id"`
	EventTime     time.Time       `json:"event_time" db:"eve_time"`
	Status        string          `json:"status" db:"status"`
	AppliedAt     *time.Time      `json:"applied_at,omitempty" db:"applied_at"`
}

// SyncCursor is the per-principal resume point of the wallet reconciler.
type SyncCursor struct {
	PrincipalID       int64     `json:"principal_id" db:"principal_id"`
	SourceKind        string    `json:"source_kind" db:"source_kind"`
	LastTransactionID *int64    `json:"last_transaction_id,omitempty" db:"last_transaction_id"`
	LastSyncAt        time.Time `json:"last_sync_at" db:"last_sync_at"`
	LastStatus        string    `json:"last_status" db:"last_sync_status"`
	LastMessage       string    `json:"last_message,omitempty" db:"last_sync_message"`
}
