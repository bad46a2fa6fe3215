package reconcile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/reconcile"
	"github.com/evetrade/ledger-engine/internal/store"
)

func queueTwoPrincipals(t *testing.T) (*fixture, []int64) {
	t.Helper()
	f := newFixture(t)
	a := f.principal(t, 9001, "Alpha", true, true)
	b := f.principal(t, 9002, "Bravo", true, true)
	f.esi.setWallet(9001, `[{"transaction_id":100,"date":"2025-11-17T19:22:00Z","type_id":34,"quantity":10,"unit_price":5,"is_buy":true}]`)
	f.esi.setWallet(9002, `[{"transaction_id":200,"date":"2025-11-17T19:30:00Z","type_id":34,"quantity":3,"unit_price":6,"is_buy":true}]`)
	_, err := f.syncer.SyncAll(context.Background())
	require.NoError(t, err)

	var ids []int64
	for _, p := range []*model.Principal{a, b} {
		for _, e := range f.queue(t, p.ID) {
			ids = append(ids, e.ID)
		}
	}
	require.Len(t, ids, 2)
	return f, ids
}

func TestReviewQueue_ApplyCreatesLotsInOneBatch(t *testing.T) {
	f, ids := queueTwoPrincipals(t)
	ctx := context.Background()

	res, err := reconcile.ReviewQueue(ctx, f.st, ids, reconcile.ActionApply)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 2, res.Principals)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, "Applied 2 wallet entries. (2 characters)", res.Message)

	item, err := f.st.GetItemByTypeID(ctx, 34)
	require.NoError(t, err)
	lots, err := f.st.ListLots(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	sources := map[string]int64{}
	for _, l := range lots {
		assert.Equal(t, res.BatchID, l.BatchID)
		sources[l.Source] = l.QuantityRemaining
	}
	assert.Equal(t, map[string]int64{"Wallet buy (Alpha)": 10, "Wallet buy (Bravo)": 3}, sources)

	entries, err := f.st.ListQueue(ctx, store.QueueFilter{Status: model.QueueApplied})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotNil(t, e.AppliedAt)
	}
}

func TestReviewQueue_OnlyPendingEntriesChange(t *testing.T) {
	f, ids := queueTwoPrincipals(t)
	ctx := context.Background()

	_, err := reconcile.ReviewQueue(ctx, f.st, ids[:1], reconcile.ActionApply)
	require.NoError(t, err)

	res, err := reconcile.ReviewQueue(ctx, f.st, ids[:1], reconcile.ActionApply)
	require.NoError(t, err)
	assert.Equal(t, "No changes.", res.Message)
	assert.Empty(t, res.BatchID)

	res, err = reconcile.ReviewQueue(ctx, f.st, ids, reconcile.ActionIgnore)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, "Ignored 1 wallet entries.", res.Message)

	item, _ := f.st.GetItemByTypeID(ctx, 34)
	lots, _ := f.st.ListLots(ctx, item.ID)
	assert.Len(t, lots, 1, "ignoring creates no lots")
}

func TestReviewQueue_RepeatedIDAppliedOnce(t *testing.T) {
	f, ids := queueTwoPrincipals(t)
	ctx := context.Background()

	res, err := reconcile.ReviewQueue(ctx, f.st, []int64{ids[0], ids[0]}, reconcile.ActionApply)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "Applied 1 wallet entries. (1 character)", res.Message)

	item, err := f.st.GetItemByTypeID(ctx, 34)
	require.NoError(t, err)
	lots, err := f.st.ListLots(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(10), lots[0].QuantityTotal)
}

func TestReviewQueue_SingleCharacterMessage(t *testing.T) {
	f, ids := queueTwoPrincipals(t)
	res, err := reconcile.ReviewQueue(context.Background(), f.st, ids[1:], reconcile.ActionApply)
	require.NoError(t, err)
	assert.Equal(t, "Applied 1 wallet entries. (1 character)", res.Message)
}

func TestReviewQueue_EmptyAndInvalid(t *testing.T) {
	st := store.NewMemoryStore()

	res, err := reconcile.ReviewQueue(context.Background(), st, nil, reconcile.ActionApply)
	require.NoError(t, err)
	assert.Equal(t, "No entries selected.", res.Message)

	_, err = reconcile.ReviewQueue(context.Background(), st, []int64{1}, "delete")
	assert.ErrorIs(t, err, reconcile.ErrInvalidAction)
}

func TestItemResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches type to existing name", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.st.CreateItem(ctx, &model.Item{Name: "Tritanium"}))

		item, err := f.syncer.Items().Resolve(ctx, 34)
		require.NoError(t, err)
		require.NotNil(t, item.TypeID)
		assert.EqualValues(t, 34, *item.TypeID)
		require.NotNil(t, item.VolumeM3)
		assert.InDelta(t, 0.01, *item.VolumeM3, 1e-9)
	})

	t.Run("name bound to another type conflicts", func(t *testing.T) {
		f := newFixture(t)
		other := int64(99)
		require.NoError(t, f.st.CreateItem(ctx, &model.Item{Name: "Tritanium", TypeID: &other}))

		_, err := f.syncer.Items().Resolve(ctx, 34)
		assert.ErrorIs(t, err, reconcile.ErrItemConflict)
	})

	t.Run("creates item and prefers packaged volume", func(t *testing.T) {
		f := newFixture(t)
		f.esi.responses["/latest/universe/types/587/"] = `{"name":"Rifter","volume":27289,"packaged_volume":2500}`

		item, err := f.syncer.Items().Resolve(ctx, 587)
		require.NoError(t, err)
		assert.Equal(t, "Rifter", item.Name)
		assert.InDelta(t, 2500, *item.VolumeM3, 1e-9)

		again, err := f.syncer.Items().Resolve(ctx, 587)
		require.NoError(t, err)
		assert.Equal(t, item.ID, again.ID)
		assert.Equal(t, 1, f.esi.callCount("/latest/universe/types/587/"))
	})

	t.Run("falls back to type number", func(t *testing.T) {
		f := newFixture(t)
		f.esi.responses["/latest/universe/types/77/"] = `{}`

		item, err := f.syncer.Items().Resolve(ctx, 77)
		require.NoError(t, err)
		assert.Equal(t, "Type 77", item.Name)
	})
}

func TestKeyedMutex(t *testing.T) {
	m := reconcile.NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "1")
	assert.ErrorIs(t, err, reconcile.ErrSyncInProgress)

	other, err := m.Acquire(ctx, "2")
	require.NoError(t, err, "keys are independent")
	other()

	release()
	release()
	again, err := m.Acquire(ctx, "1")
	require.NoError(t, err)
	again()
}
