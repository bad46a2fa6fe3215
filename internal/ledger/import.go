package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

// ImportInput describes a lot entering inventory.
type ImportInput struct {
	ItemID     int64
	Quantity   int64
	UnitCost   decimal.Decimal
	AcquiredAt time.Time
	Source     string
	BatchID    string
	Note       string
}

// CreateLotFromImport inserts a lot with its full quantity remaining and
// the matching import event.
func CreateLotFromImport(ctx context.Context, tx store.Tx, in ImportInput) (*model.InventoryLot, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("importing item %d: %w", in.ItemID, ErrInvalidQuantity)
	}
	if in.UnitCost.IsNegative() {
		return nil, fmt.Errorf("importing item %d: unit cost %s is negative", in.ItemID, in.UnitCost)
	}

	lot := &model.InventoryLot{
		ItemID:            in.ItemID,
		QuantityTotal:     in.Quantity,
		QuantityRemaining: in.Quantity,
		UnitCost:          in.UnitCost,
		AcquiredAt:        in.AcquiredAt,
		Source:            in.Source,
		BatchID:           in.BatchID,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("inserting lot for item %d: %w", in.ItemID, err)
	}

	lotID := lot.ID
	cost := in.UnitCost
	ev := &model.InventoryEvent{
		Type:      model.EventImport,
		EventTime: in.AcquiredAt,
		ItemID:    in.ItemID,
		LotID:     &lotID,
		Quantity:  in.Quantity,
		UnitPrice: &cost,
		Note:      in.Note,
	}
	if err := tx.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("recording import event for lot %d: %w", lot.ID, err)
	}
	return lot, nil
}
