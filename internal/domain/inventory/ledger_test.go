package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/infrastructure/memory"
)

var day = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func setup(t *testing.T) (*memory.Store, *inventory.Ledger, int64) {
	t.Helper()
	store := memory.NewStore()
	med := store.CreateMedicine("Metformin", 10)
	return store, inventory.NewLedger(store, nil), med
}

func consume(t *testing.T, store *memory.Store, ledger *inventory.Ledger, med int64, n int) (*inventory.Consumption, error) {
	t.Helper()
	var out *inventory.Consumption
	err := store.WithStockTx(context.Background(), func(tx inventory.StockTx) error {
		var err error
		out, err = ledger.Consume(context.Background(), tx, med, n, day)
		return err
	})
	return out, err
}

func TestLedger_ConsumePersistsRollover(t *testing.T) {
	store, ledger, med := setup(t)
	first := store.SeedSheet(med, 9, day.AddDate(0, 1, 0), true)
	second := store.SeedSheet(med, 0, day.AddDate(0, 6, 0), false)

	cons, err := consume(t, store, ledger, med, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{first}, cons.Exhausted)

	st, err := ledger.ListSheets(context.Background(), med)
	require.NoError(t, err)
	a, _ := st.Sheet(first)
	b, _ := st.Sheet(second)
	assert.Equal(t, 10, a.ConsumedTablets)
	assert.False(t, a.IsInUse)
	assert.Equal(t, 1, b.ConsumedTablets)
	assert.True(t, b.IsInUse)
}

func TestLedger_FailedConsumeWritesNothing(t *testing.T) {
	store, ledger, med := setup(t)
	first := store.SeedSheet(med, 9, day.AddDate(0, 1, 0), true)

	_, err := consume(t, store, ledger, med, 3)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	st, err := ledger.ListSheets(context.Background(), med)
	require.NoError(t, err)
	s, _ := st.Sheet(first)
	assert.Equal(t, 9, s.ConsumedTablets)
	assert.True(t, s.IsInUse)
}

func TestLedger_AvailableSheetDoesNotPersist(t *testing.T) {
	store, ledger, med := setup(t)
	id := store.SeedSheet(med, 0, day.AddDate(0, 1, 0), false)

	s, err := ledger.AvailableSheet(context.Background(), med, day)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)

	st, err := ledger.ListSheets(context.Background(), med)
	require.NoError(t, err)
	assert.Nil(t, st.ActiveSheetID)
}

func TestLedger_AddSheet(t *testing.T) {
	_, ledger, med := setup(t)

	s, err := ledger.AddSheet(context.Background(), med, day.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.NotZero(t, s.ID)
	assert.Equal(t, 0, s.ConsumedTablets)
	assert.Equal(t, 10, s.TabletsPerSheet)
	assert.False(t, s.IsInUse)

	_, err = ledger.AddSheet(context.Background(), 999, day)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	_, err = ledger.AddSheet(context.Background(), med, time.Time{})
	assert.ErrorIs(t, err, inventory.ErrInvalidSheetState)
}

func TestLedger_PatchSheet(t *testing.T) {
	ctx := context.Background()

	t.Run("second in-use sheet conflicts", func(t *testing.T) {
		store, ledger, med := setup(t)
		store.SeedSheet(med, 2, day.AddDate(0, 1, 0), true)
		other := store.SeedSheet(med, 0, day.AddDate(0, 2, 0), false)

		_, err := ledger.PatchSheet(ctx, other, inventory.SheetPatch{IsInUse: boolPtr(true)}, day)
		assert.ErrorIs(t, err, inventory.ErrSheetInUseConflict)
	})

	t.Run("release then flag another", func(t *testing.T) {
		store, ledger, med := setup(t)
		active := store.SeedSheet(med, 2, day.AddDate(0, 1, 0), true)
		other := store.SeedSheet(med, 0, day.AddDate(0, 2, 0), false)

		s, err := ledger.PatchSheet(ctx, active, inventory.SheetPatch{IsInUse: boolPtr(false)}, day)
		require.NoError(t, err)
		assert.False(t, s.IsInUse)

		s, err = ledger.PatchSheet(ctx, other, inventory.SheetPatch{IsInUse: boolPtr(true)}, day)
		require.NoError(t, err)
		assert.True(t, s.IsInUse)

		st, err := ledger.ListSheets(ctx, med)
		require.NoError(t, err)
		require.NotNil(t, st.ActiveSheetID)
		assert.Equal(t, other, *st.ActiveSheetID)
	})

	t.Run("exhausted or expired sheet cannot be in use", func(t *testing.T) {
		store, ledger, med := setup(t)
		full := store.SeedSheet(med, 10, day.AddDate(0, 1, 0), false)
		old := store.SeedSheet(med, 0, day.AddDate(0, 0, -1), false)

		_, err := ledger.PatchSheet(ctx, full, inventory.SheetPatch{IsInUse: boolPtr(true)}, day)
		assert.ErrorIs(t, err, inventory.ErrInvalidSheetState)

		_, err = ledger.PatchSheet(ctx, old, inventory.SheetPatch{IsInUse: boolPtr(true)}, day)
		assert.ErrorIs(t, err, inventory.ErrInvalidSheetState)
	})

	t.Run("filling the active sheet clears it", func(t *testing.T) {
		store, ledger, med := setup(t)
		active := store.SeedSheet(med, 2, day.AddDate(0, 1, 0), true)

		s, err := ledger.PatchSheet(ctx, active, inventory.SheetPatch{ConsumedTablets: intPtr(10)}, day)
		require.NoError(t, err)
		assert.Equal(t, 10, s.ConsumedTablets)
		assert.False(t, s.IsInUse)
	})

	t.Run("consumed out of range", func(t *testing.T) {
		store, ledger, med := setup(t)
		id := store.SeedSheet(med, 0, day.AddDate(0, 1, 0), false)

		_, err := ledger.PatchSheet(ctx, id, inventory.SheetPatch{ConsumedTablets: intPtr(11)}, day)
		assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)
		_, err = ledger.PatchSheet(ctx, id, inventory.SheetPatch{ConsumedTablets: intPtr(-1)}, day)
		assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	})

	t.Run("unknown sheet", func(t *testing.T) {
		_, ledger, _ := setup(t)
		_, err := ledger.PatchSheet(ctx, 404, inventory.SheetPatch{}, day)
		assert.ErrorIs(t, err, inventory.ErrNotFound)
	})
}

func TestLedger_ReleaseRestoresTablets(t *testing.T) {
	store, ledger, med := setup(t)
	first := store.SeedSheet(med, 9, day.AddDate(0, 1, 0), true)
	second := store.SeedSheet(med, 0, day.AddDate(0, 6, 0), false)

	cons, err := consume(t, store, ledger, med, 2)
	require.NoError(t, err)

	err = store.WithStockTx(context.Background(), func(tx inventory.StockTx) error {
		return ledger.Release(context.Background(), tx, med, cons.Draws)
	})
	require.NoError(t, err)

	st, err := ledger.ListSheets(context.Background(), med)
	require.NoError(t, err)
	a, _ := st.Sheet(first)
	b, _ := st.Sheet(second)
	assert.Equal(t, 9, a.ConsumedTablets)
	assert.Equal(t, 0, b.ConsumedTablets)
	assert.Equal(t, 11, st.RemainingTablets(day))
}
