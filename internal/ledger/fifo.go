// Package ledger maintains FIFO cost-basis inventory: lots are created by
// imports and wallet buys, and drawn down oldest-first by sales and
// industry use. Every draw leaves an immutable audit event.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evetrade/ledger-engine/internal/metrics"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

// Consumption is one FIFO draw request.
type Consumption struct {
	ItemID    int64
	Quantity  int64
	EventTime time.Time
	EventType string // model.EventSale or model.EventIndustry
	Note      string
	UnitPrice *decimal.Decimal

	// AllowPartial consumes what is available and reports the rest as
	// unmatched instead of failing.
	AllowPartial bool
}

// Result describes what a ConsumeFIFO call did.
type Result struct {
	Consumed             int64                  `json:"consumed"`
	Unmatched            int64                  `json:"unmatched"`
	TotalAvailableBefore int64                  `json:"total_available_before"`
	CostBasis            decimal.Decimal        `json:"cost_basis"`
	Events               []model.InventoryEvent `json:"events"`
}

// ConsumeFIFO draws c.Quantity units of an item from its open lots,
// oldest acquisition first and lot id as the tie-break. It must run inside
// the caller's transaction so the draws and events commit together.
//
// A non-positive quantity is a no-op. With AllowPartial unset the full
// quantity must be available or InsufficientInventoryError is returned
// before any lot is touched.
func ConsumeFIFO(ctx context.Context, tx store.Tx, c Consumption) (*Result, error) {
	if c.Quantity <= 0 {
		return &Result{}, nil
	}
	if c.EventType == "" {
		c.EventType = model.EventSale
	}

	lots, err := tx.OpenLots(ctx, c.ItemID)
	if err != nil {
		return nil, fmt.Errorf("loading open lots for item %d: %w", c.ItemID, err)
	}

	var available int64
	for _, l := range lots {
		if l.QuantityRemaining < 0 || l.QuantityRemaining > l.QuantityTotal {
			return nil, violation(fmt.Sprintf("lot %d has remaining %d of total %d", l.ID, l.QuantityRemaining, l.QuantityTotal), nil)
		}
		available += l.QuantityRemaining
	}

	if !c.AllowPartial && available < c.Quantity {
		return nil, &InsufficientInventoryError{ItemID: c.ItemID, Requested: c.Quantity, Available: available}
	}

	res := &Result{TotalAvailableBefore: available}
	need := c.Quantity
	for _, lot := range lots {
		if need == 0 {
			break
		}
		take := min(lot.QuantityRemaining, need)
		if take == 0 {
			continue
		}

		if _, err := tx.DecrementLot(ctx, lot.ID, take); err != nil {
			if errors.Is(err, store.ErrLotUnderflow) {
				return nil, violation(fmt.Sprintf("lot %d cannot give %d units", lot.ID, take), err)
			}
			return nil, fmt.Errorf("decrementing lot %d: %w", lot.ID, err)
		}

		lotID := lot.ID
		ev := model.InventoryEvent{
			Type:      c.EventType,
			EventTime: c.EventTime,
			ItemID:    c.ItemID,
			LotID:     &lotID,
			Quantity:  take,
			UnitPrice: c.UnitPrice,
			Note:      c.Note,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil {
			return nil, fmt.Errorf("recording %s event for lot %d: %w", c.EventType, lot.ID, err)
		}
		res.Events = append(res.Events, ev)
		res.Consumed += take
		res.CostBasis = res.CostBasis.Add(lot.UnitCost.Mul(decimal.NewFromInt(take)))
		need -= take
	}
	res.Unmatched = need

	metrics.LotsConsumedTotal.WithLabelValues(c.EventType).Add(float64(len(res.Events)))
	return res, nil
}

func violation(detail string, err error) *InvariantViolation {
	slog.Error("ledger invariant violated", "detail", detail, "err", err)
	return &InvariantViolation{Detail: detail, Err: err}
}
