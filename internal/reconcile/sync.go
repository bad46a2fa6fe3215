// Package reconcile imports EVE wallet transactions into the ledger
// exactly once. Buys become pending review entries, sells draw inventory
// FIFO, and a per-principal cursor makes repeated runs idempotent.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evetrade/ledger-engine/internal/esi"
	"github.com/evetrade/ledger-engine/internal/ledger"
	"github.com/evetrade/ledger-engine/internal/metrics"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

// ErrUnexpectedFormat is returned when the wallet endpoint does not
// return a JSON array.
var ErrUnexpectedFormat = errors.New("unexpected wallet transactions format from ESI")

// Outcome is the result of one principal's sync pass.
type Outcome struct {
	PrincipalID        int64  `json:"principal_id"`
	PrincipalName      string `json:"principal_name"`
	NewTransactions    int    `json:"new_transactions"`
	QueuedBuys         int    `json:"queued_buys"`
	AppliedSales       int    `json:"applied_sales"`
	UnmatchedSaleUnits int64  `json:"unmatched_sale_units"`
	SkippedBuys        int    `json:"skipped_buys"`
	SkippedSells       int    `json:"skipped_sells"`
	SkippedOld         int    `json:"skipped_old,omitempty"`
	LastTransactionID  *int64 `json:"last_transaction_id,omitempty"`
	Status             string `json:"status"`
	Detail             string `json:"detail"`
	Err                error  `json:"-"`
}

// walletTransaction is one row of
// GET /characters/{character_id}/wallet/transactions/.
type walletTransaction struct {
	TransactionID int64           `json:"transaction_id"`
	Date          time.Time       `json:"date"`
	TypeID        int64           `json:"type_id"`
	Quantity      int64           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	IsBuy         bool            `json:"is_buy"`
	LocationID    int64           `json:"location_id"`
	ClientID      int64           `json:"client_id"`
	JournalRefID  int64           `json:"journal_ref_id"`
	IsPersonal    bool            `json:"is_personal"`
}

// Options configures a Syncer. Zero values are usable.
type Options struct {
	Locker   Locker
	Notifier Notifier
	// BackfillMaxAge limits how far back the first pass for a principal
	// reaches. Older rows advance the cursor without being applied.
	// Zero imports the full history.
	BackfillMaxAge time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Syncer runs wallet reconciliation passes.
type Syncer struct {
	store    store.Store
	esi      esi.Fetcher
	items    *ItemResolver
	locker   Locker
	notifier Notifier
	backfill time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSyncer wires a Syncer. Item records are resolved through the same
// fetcher as the wallet.
func NewSyncer(st store.Store, f esi.Fetcher, opts Options) *Syncer {
	s := &Syncer{
		store:    st,
		esi:      f,
		items:    NewItemResolver(st, f),
		locker:   opts.Locker,
		notifier: opts.Notifier,
		backfill: opts.BackfillMaxAge,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if s.locker == nil {
		s.locker = NewKeyedMutex()
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Items exposes the resolver used for wallet rows.
func (s *Syncer) Items() *ItemResolver { return s.items }

// SyncPrincipalByID loads a principal and syncs it.
func (s *Syncer) SyncPrincipalByID(ctx context.Context, principalID int64) (*Outcome, error) {
	p, err := s.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return s.SyncPrincipal(ctx, p), nil
}

// SyncPrincipal runs one pass for p. Failures are captured in the
// returned outcome and recorded on the cursor with status "error"; the
// cursor position itself only moves on a fully committed pass.
func (s *Syncer) SyncPrincipal(ctx context.Context, p *model.Principal) *Outcome {
	start := time.Now()
	o, err := s.syncLocked(ctx, p)
	if err != nil {
		o = s.recordFailure(ctx, p, err)
	}
	metrics.SyncRunsTotal.WithLabelValues(o.Status).Inc()
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("wallet sync finished",
		"principal", p.ID,
		"status", o.Status,
		"new_transactions", o.NewTransactions,
		"queued_buys", o.QueuedBuys,
		"applied_sales", o.AppliedSales,
		"unmatched_units", o.UnmatchedSaleUnits,
	)
	s.notifier.NotifySync(ctx, o)
	return o
}

func (s *Syncer) syncLocked(ctx context.Context, p *model.Principal) (*Outcome, error) {
	release, err := s.locker.Acquire(ctx, strconv.FormatInt(p.ID, 10))
	if err != nil {
		return nil, err
	}
	defer release()
	return s.sync(ctx, p)
}

type plannedRow struct {
	tx   walletTransaction
	item *model.Item
}

func (s *Syncer) sync(ctx context.Context, p *model.Principal) (*Outcome, error) {
	o := &Outcome{PrincipalID: p.ID, PrincipalName: p.Name}

	prior, err := s.cursor(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	var lastID *int64
	if prior != nil {
		lastID = prior.LastTransactionID
	}

	if !p.ScanBuys && !p.ScanSells {
		o.Status = model.SyncStatusSkipped
		o.Detail = buildDetail(o)
		o.LastTransactionID = lastID
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			return s.saveCursor(ctx, tx, p.ID, lastID, o.Status, o.Detail)
		})
		if err != nil {
			return nil, fmt.Errorf("saving cursor: %w", err)
		}
		return o, nil
	}

	txs, err := s.fetchTransactions(ctx, p)
	if err != nil {
		return nil, err
	}

	var highWater int64
	if lastID != nil {
		highWater = *lastID
	}
	advance := func(id int64) {
		if id > highWater {
			highWater = id
		}
	}

	var cutoff time.Time
	if lastID == nil && s.backfill > 0 {
		cutoff = s.now().Add(-s.backfill)
	}

	// Network work (item lookups) happens here, before the write
	// transaction opens.
	var planned []plannedRow
	for _, t := range txs {
		if lastID != nil && t.TransactionID <= *lastID {
			continue
		}
		if t.Quantity <= 0 {
			continue
		}
		if !cutoff.IsZero() && t.Date.Before(cutoff) {
			o.SkippedOld++
			advance(t.TransactionID)
			continue
		}
		if t.IsBuy && !p.ScanBuys {
			o.SkippedBuys++
			advance(t.TransactionID)
			continue
		}
		if !t.IsBuy && !p.ScanSells {
			o.SkippedSells++
			advance(t.TransactionID)
			continue
		}

		item, err := s.items.Resolve(ctx, t.TypeID)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", t.TransactionID, err)
		}
		planned = append(planned, plannedRow{tx: t, item: item})
	}
	metrics.SyncTransactionsTotal.WithLabelValues("skipped").Add(float64(o.SkippedBuys + o.SkippedSells + o.SkippedOld))

	var duplicates int
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		for _, row := range planned {
			t := row.tx
			if t.IsBuy {
				created, err := tx.EnqueueBuy(ctx, &model.QueueEntry{
					SourceKind:    model.SourceCharacter,
					PrincipalID:   p.ID,
					TransactionID: t.TransactionID,
					ItemID:        row.item.ID,
					Quantity:      t.Quantity,
					UnitPrice:     t.UnitPrice,
					LocationID:    t.LocationID,
					EventTime:     t.Date.UTC(),
					Status:        model.QueuePending,
				})
				if err != nil {
					return fmt.Errorf("queueing transaction %d: %w", t.TransactionID, err)
				}
				if created {
					o.QueuedBuys++
					o.NewTransactions++
				} else {
					duplicates++
				}
			} else {
				price := t.UnitPrice
				res, err := ledger.ConsumeFIFO(ctx, tx, ledger.Consumption{
					ItemID:       row.item.ID,
					Quantity:     t.Quantity,
					EventTime:    t.Date.UTC(),
					EventType:    model.EventSale,
					Note:         "Wallet sell",
					UnitPrice:    &price,
					AllowPartial: true,
				})
				if err != nil {
					return fmt.Errorf("applying sale %d: %w", t.TransactionID, err)
				}
				o.AppliedSales++
				o.NewTransactions++
				o.UnmatchedSaleUnits += res.Unmatched
			}
			advance(t.TransactionID)
		}

		next := lastID
		if lastID == nil || highWater > *lastID {
			hw := highWater
			next = &hw
		}
		o.LastTransactionID = next
		o.Status = model.SyncStatusOK
		o.Detail = buildDetail(o)
		return s.saveCursor(ctx, tx, p.ID, next, o.Status, o.Detail)
	})
	if err != nil {
		return nil, err
	}

	metrics.SyncTransactionsTotal.WithLabelValues("queued").Add(float64(o.QueuedBuys))
	metrics.SyncTransactionsTotal.WithLabelValues("sold").Add(float64(o.AppliedSales))
	metrics.SyncTransactionsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	metrics.UnmatchedSaleUnits.Add(float64(o.UnmatchedSaleUnits))
	return o, nil
}

// fetchTransactions returns the principal's wallet rows in ascending
// transaction id order.
func (s *Syncer) fetchTransactions(ctx context.Context, p *model.Principal) ([]walletTransaction, error) {
	path := fmt.Sprintf("/latest/characters/%d/wallet/transactions/", p.CharacterID)
	data, err := s.esi.Fetch(ctx, path, nil, esi.AsPrincipal(p), false)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrUnexpectedFormat
	}
	var txs []walletTransaction
	if err := json.Unmarshal(trimmed, &txs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedFormat, err)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].TransactionID < txs[j].TransactionID })
	return txs, nil
}

func (s *Syncer) cursor(ctx context.Context, principalID int64) (*model.SyncCursor, error) {
	c, err := s.store.GetCursor(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}
	return c, nil
}

func (s *Syncer) saveCursor(ctx context.Context, tx store.Tx, principalID int64, last *int64, status, msg string) error {
	return tx.SaveCursor(ctx, &model.SyncCursor{
		PrincipalID:       principalID,
		SourceKind:        model.SourceCharacter,
		LastTransactionID: last,
		LastSyncAt:        s.now().UTC(),
		LastStatus:        status,
		LastMessage:       storedMessage(msg),
	})
}

// recordFailure stores an error status without moving the cursor.
func (s *Syncer) recordFailure(ctx context.Context, p *model.Principal, cause error) *Outcome {
	msg := "Sync failed: " + cause.Error()
	o := &Outcome{
		PrincipalID:   p.ID,
		PrincipalName: p.Name,
		Status:        model.SyncStatusError,
		Detail:        msg + ".",
		Err:           cause,
	}
	s.logger.Error("wallet sync failed", "principal", p.ID, "err", cause)

	if errors.Is(cause, ErrSyncInProgress) {
		// The running pass owns the cursor row.
		return o
	}

	var last *int64
	if prior, err := s.cursor(ctx, p.ID); err == nil && prior != nil {
		last = prior.LastTransactionID
	}
	o.LastTransactionID = last
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return s.saveCursor(ctx, tx, p.ID, last, model.SyncStatusError, msg)
	})
	if err != nil {
		s.logger.Error("recording sync failure", "principal", p.ID, "err", err)
	}
	return o
}
