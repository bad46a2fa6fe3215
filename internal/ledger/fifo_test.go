package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/evetrade/ledger-engine/internal/ledger"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

var t0 = time.Date(2025, 11, 17, 19, 22, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedItem(t *testing.T, st store.Store) int64 {
	t.Helper()
	it := &model.Item{Name: "Tritanium"}
	if err := st.CreateItem(context.Background(), it); err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return it.ID
}

func seedLot(t *testing.T, st store.Store, itemID, qty int64, cost string, at time.Time) *model.InventoryLot {
	t.Helper()
	var lot *model.InventoryLot
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		lot, err = ledger.CreateLotFromImport(context.Background(), tx, ledger.ImportInput{
			ItemID:     itemID,
			Quantity:   qty,
			UnitCost:   d(cost),
			AcquiredAt: at,
			Source:     "test",
		})
		return err
	})
	if err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
	return lot
}

func consume(st store.Store, c ledger.Consumption) (*ledger.Result, error) {
	var res *ledger.Result
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		res, err = ledger.ConsumeFIFO(context.Background(), tx, c)
		return err
	})
	return res, err
}

func remaining(t *testing.T, st store.Store, itemID int64) map[int64]int64 {
	t.Helper()
	lots, err := st.ListLots(context.Background(), itemID)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	out := make(map[int64]int64, len(lots))
	for _, l := range lots {
		out[l.ID] = l.QuantityRemaining
	}
	return out
}

func TestConsumeFIFO_OldestLotFirst(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	// Newer lot inserted first so insertion order alone would be wrong.
	l2 := seedLot(t, st, item, 5, "6.00", t0.Add(time.Hour))
	l1 := seedLot(t, st, item, 5, "5.00", t0)

	price := d("9.00")
	res, err := consume(st, ledger.Consumption{
		ItemID:    item,
		Quantity:  7,
		EventTime: t0.Add(2 * time.Hour),
		EventType: model.EventSale,
		UnitPrice: &price,
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if res.Consumed != 7 || res.Unmatched != 0 {
		t.Errorf("expected consumed 7 unmatched 0, got %d/%d", res.Consumed, res.Unmatched)
	}
	if res.TotalAvailableBefore != 10 {
		t.Errorf("expected 10 available before, got %d", res.TotalAvailableBefore)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected one event per lot touched (2), got %d", len(res.Events))
	}
	if *res.Events[0].LotID != l1.ID || res.Events[0].Quantity != 5 {
		t.Errorf("first draw should take 5 from the oldest lot, got lot %d qty %d", *res.Events[0].LotID, res.Events[0].Quantity)
	}
	if *res.Events[1].LotID != l2.ID || res.Events[1].Quantity != 2 {
		t.Errorf("second draw should take 2 from the newer lot, got lot %d qty %d", *res.Events[1].LotID, res.Events[1].Quantity)
	}
	if !res.CostBasis.Equal(d("37.00")) {
		t.Errorf("expected cost basis 37.00, got %s", res.CostBasis)
	}

	rem := remaining(t, st, item)
	if rem[l1.ID] != 0 || rem[l2.ID] != 3 {
		t.Errorf("expected remaining 0 and 3, got %d and %d", rem[l1.ID], rem[l2.ID])
	}
}

func TestConsumeFIFO_TieBrokenByLotID(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	first := seedLot(t, st, item, 3, "1", t0)
	second := seedLot(t, st, item, 3, "2", t0)

	res, err := consume(st, ledger.Consumption{ItemID: item, Quantity: 2, EventTime: t0})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if *res.Events[0].LotID != first.ID {
		t.Errorf("expected lot %d to be drawn first, got %d", first.ID, *res.Events[0].LotID)
	}
	if rem := remaining(t, st, item); rem[second.ID] != 3 {
		t.Errorf("later lot with the same timestamp must be untouched, has %d", rem[second.ID])
	}
}

func TestConsumeFIFO_StrictInsufficientMutatesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	a := seedLot(t, st, item, 4, "1", t0)
	b := seedLot(t, st, item, 6, "1", t0.Add(time.Minute))

	_, err := consume(st, ledger.Consumption{ItemID: item, Quantity: 12, EventTime: t0, AllowPartial: false})

	var insufficient *ledger.InsufficientInventoryError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientInventoryError, got %v", err)
	}
	if insufficient.Requested != 12 || insufficient.Available != 10 {
		t.Errorf("expected requested 12 available 10, got %d/%d", insufficient.Requested, insufficient.Available)
	}

	rem := remaining(t, st, item)
	if rem[a.ID] != 4 || rem[b.ID] != 6 {
		t.Errorf("no lot may be mutated, got %d and %d", rem[a.ID], rem[b.ID])
	}
	events, _ := st.ListEvents(context.Background(), item)
	for _, e := range events {
		if e.Type != model.EventImport {
			t.Errorf("unexpected %s event after failed consumption", e.Type)
		}
	}
}

func TestConsumeFIFO_PartialReportsUnmatched(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	seedLot(t, st, item, 3, "2", t0)

	res, err := consume(st, ledger.Consumption{ItemID: item, Quantity: 5, EventTime: t0, AllowPartial: true})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Consumed != 3 || res.Unmatched != 2 {
		t.Errorf("expected consumed 3 unmatched 2, got %d/%d", res.Consumed, res.Unmatched)
	}

	res, err = consume(st, ledger.Consumption{ItemID: item, Quantity: 4, EventTime: t0, AllowPartial: true})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Consumed != 0 || res.Unmatched != 4 || len(res.Events) != 0 {
		t.Errorf("empty inventory should yield consumed 0 unmatched 4, got %+v", res)
	}
}

func TestConsumeFIFO_NonPositiveIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	lot := seedLot(t, st, item, 3, "2", t0)

	for _, q := range []int64{0, -5} {
		res, err := consume(st, ledger.Consumption{ItemID: item, Quantity: q, EventTime: t0})
		if err != nil {
			t.Fatalf("quantity %d: %v", q, err)
		}
		if res.Consumed != 0 || res.Unmatched != 0 || len(res.Events) != 0 {
			t.Errorf("quantity %d should be a no-op, got %+v", q, res)
		}
	}
	if rem := remaining(t, st, item); rem[lot.ID] != 3 {
		t.Errorf("expected lot untouched, has %d", rem[lot.ID])
	}
}

// underflowTx refuses every decrement, simulating a concurrent writer that
// drained the lot between the read and the write.
type underflowTx struct {
	store.Tx
}

func (underflowTx) DecrementLot(context.Context, int64, int64) (int64, error) {
	return 0, store.ErrLotUnderflow
}

func TestConsumeFIFO_UnderflowIsInvariantViolation(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	seedLot(t, st, item, 3, "2", t0)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		_, err := ledger.ConsumeFIFO(context.Background(), underflowTx{tx}, ledger.Consumption{ItemID: item, Quantity: 2, EventTime: t0})
		return err
	})

	var iv *ledger.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	if !errors.Is(err, store.ErrLotUnderflow) {
		t.Error("violation should wrap the store error")
	}
}

func TestCreateLotFromImport(t *testing.T) {
	st := store.NewMemoryStore()
	item := seedItem(t, st)
	lot := seedLot(t, st, item, 10, "4.25", t0)

	if lot.QuantityRemaining != 10 || lot.QuantityTotal != 10 {
		t.Errorf("expected full lot of 10, got %d/%d", lot.QuantityRemaining, lot.QuantityTotal)
	}
	events, err := st.ListEvents(context.Background(), item)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != model.EventImport || events[0].Quantity != 10 {
		t.Fatalf("expected one import event of 10, got %+v", events)
	}
	if events[0].UnitPrice == nil || !events[0].UnitPrice.Equal(d("4.25")) {
		t.Errorf("import event should carry the unit cost, got %v", events[0].UnitPrice)
	}

	err = st.InTx(context.Background(), func(tx store.Tx) error {
		_, err := ledger.CreateLotFromImport(context.Background(), tx, ledger.ImportInput{ItemID: item, Quantity: 0, AcquiredAt: t0})
		return err
	})
	if !errors.Is(err, ledger.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}
