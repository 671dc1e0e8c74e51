package inventory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func ptr(v int64) *int64 { return &v }

func stock(active *int64, sheets ...Sheet) *Stock {
	st := &Stock{MedicineID: 7, TabletsPerSheet: 10, ActiveSheetID: active, Sheets: sheets}
	st.Normalize()
	return st
}

func sheet(id int64, consumed int, expiry time.Time) Sheet {
	return Sheet{ID: id, ConsumedTablets: consumed, ExpiryDate: expiry}
}

func TestSelect_PrefersInUseSheet(t *testing.T) {
	st := stock(ptr(2),
		sheet(1, 0, today.AddDate(0, 1, 0)),
		sheet(2, 3, today.AddDate(1, 0, 0)),
	)

	s, err := Select(st, today)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.ID)
	assert.True(t, s.IsInUse)
}

func TestSelect_EarliestExpiryWhenNoneInUse(t *testing.T) {
	st := stock(nil,
		sheet(1, 0, today.AddDate(0, 6, 0)),
		sheet(2, 10, today.AddDate(0, 1, 0)), // exhausted
		sheet(3, 4, today.AddDate(0, 2, 0)),
		sheet(4, 0, today.AddDate(0, 2, 0)),
	)

	s, err := Select(st, today)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.ID, "earliest expiry, lowest id on ties")
	assert.True(t, s.IsInUse)
}

func TestSelect_ExpiredInUseSheetIsReported(t *testing.T) {
	st := stock(ptr(1),
		sheet(1, 2, today.AddDate(0, 0, -1)),
		sheet(2, 0, today.AddDate(1, 0, 0)),
	)

	_, err := Select(st, today)
	assert.ErrorIs(t, err, ErrExpiredStock)
}

func TestSelect_SheetExpiringTodayIsUsable(t *testing.T) {
	st := stock(ptr(1), sheet(1, 2, today))

	s, err := Select(st, today)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ID)
}

func TestSelect_ExpiredSheetsAreExcluded(t *testing.T) {
	st := stock(nil,
		sheet(1, 0, today.AddDate(0, 0, -3)),
		sheet(2, 0, today.AddDate(0, 3, 0)),
	)

	s, err := Select(st, today)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.ID)
}

func TestSelect_OnlyExpiredLeft(t *testing.T) {
	st := stock(nil, sheet(1, 0, today.AddDate(0, 0, -3)))
	_, err := Select(st, today)
	assert.ErrorIs(t, err, ErrExpiredStock)
}

func TestSelect_NoStock(t *testing.T) {
	_, err := Select(stock(nil), today)
	assert.ErrorIs(t, err, ErrNoStock)

	_, err = Select(stock(nil, sheet(1, 10, today.AddDate(1, 0, 0))), today)
	assert.ErrorIs(t, err, ErrNoStock)
}

func TestPlanConsumption_WithinSheet(t *testing.T) {
	st := stock(ptr(1), sheet(1, 3, today.AddDate(1, 0, 0)))

	plan, err := PlanConsumption(st, 2, today)
	require.NoError(t, err)
	assert.Equal(t, []Draw{{SheetID: 1, Tablets: 2}}, plan.Draws)
	assert.Equal(t, 5, plan.Consumed[1])
	require.NotNil(t, plan.ActiveSheetID)
	assert.Equal(t, int64(1), *plan.ActiveSheetID)
	assert.Empty(t, plan.Exhausted)
	assert.Equal(t, 3, st.Sheets[0].ConsumedTablets, "input snapshot untouched")
}

func TestPlanConsumption_FlagsSelectedSheet(t *testing.T) {
	st := stock(nil,
		sheet(1, 0, today.AddDate(0, 5, 0)),
		sheet(2, 0, today.AddDate(0, 2, 0)),
	)

	plan, err := PlanConsumption(st, 1, today)
	require.NoError(t, err)
	require.NotNil(t, plan.ActiveSheetID)
	assert.Equal(t, int64(2), *plan.ActiveSheetID)
}

func TestPlanConsumption_RollsOverIntoNextSheet(t *testing.T) {
	st := stock(ptr(1),
		sheet(1, 9, today.AddDate(0, 1, 0)),
		sheet(2, 0, today.AddDate(0, 6, 0)),
	)

	plan, err := PlanConsumption(st, 2, today)
	require.NoError(t, err)
	assert.Equal(t, []Draw{{SheetID: 1, Tablets: 1}, {SheetID: 2, Tablets: 1}}, plan.Draws)
	assert.Equal(t, []int64{1}, plan.Exhausted)

	after := st.Apply(plan)
	first, _ := after.Sheet(1)
	second, _ := after.Sheet(2)
	assert.Equal(t, 10, first.ConsumedTablets)
	assert.False(t, first.IsInUse)
	assert.Equal(t, 1, second.ConsumedTablets)
	assert.True(t, second.IsInUse)
}

func TestPlanConsumption_ExactFillClearsActive(t *testing.T) {
	st := stock(ptr(1), sheet(1, 8, today.AddDate(0, 1, 0)), sheet(2, 0, today.AddDate(0, 2, 0)))

	plan, err := PlanConsumption(st, 2, today)
	require.NoError(t, err)
	assert.Nil(t, plan.ActiveSheetID)
	assert.Equal(t, []int64{1}, plan.Exhausted)
	assert.Len(t, plan.Draws, 1)
}

func TestPlanConsumption_SpansSeveralSheets(t *testing.T) {
	st := stock(ptr(1),
		sheet(1, 8, today.AddDate(0, 1, 0)),
		sheet(2, 0, today.AddDate(0, 2, 0)),
		sheet(3, 0, today.AddDate(0, 3, 0)),
	)

	plan, err := PlanConsumption(st, 15, today)
	require.NoError(t, err)
	assert.Equal(t, []Draw{{1, 2}, {2, 10}, {3, 3}}, plan.Draws)
	assert.Equal(t, []int64{1, 2}, plan.Exhausted)
	assert.Equal(t, int64(3), *plan.ActiveSheetID)
}

func TestPlanConsumption_InsufficientStock(t *testing.T) {
	st := stock(ptr(1),
		sheet(1, 9, today.AddDate(0, 1, 0)),
		sheet(2, 0, today.AddDate(0, 0, -1)), // expired, not eligible for rollover
	)

	plan, err := PlanConsumption(st, 2, today)
	assert.Nil(t, plan)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 9, st.Sheets[0].ConsumedTablets)
}

func TestPlanConsumption_FailureClasses(t *testing.T) {
	_, err := PlanConsumption(stock(nil), 1, today)
	assert.ErrorIs(t, err, ErrNoStock)

	_, err = PlanConsumption(stock(ptr(1), sheet(1, 0, today.AddDate(0, 0, -1))), 1, today)
	assert.ErrorIs(t, err, ErrExpiredStock)

	_, err = PlanConsumption(stock(ptr(1), sheet(1, 0, today.AddDate(0, 1, 0))), 0, today)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPlanRelease(t *testing.T) {
	st := stock(ptr(2),
		sheet(1, 10, today.AddDate(0, 1, 0)),
		sheet(2, 1, today.AddDate(0, 6, 0)),
	)

	plan, err := PlanRelease(st, []Draw{{SheetID: 1, Tablets: 1}, {SheetID: 2, Tablets: 1}})
	require.NoError(t, err)
	after := st.Apply(plan)

	first, _ := after.Sheet(1)
	second, _ := after.Sheet(2)
	assert.Equal(t, 9, first.ConsumedTablets)
	assert.Equal(t, 0, second.ConsumedTablets)
	assert.True(t, second.IsInUse)

	_, err = PlanRelease(st, []Draw{{SheetID: 99, Tablets: 1}})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPlanConsumption_Conservation(t *testing.T) {
	st := stock(nil,
		sheet(1, 0, today.AddDate(0, 1, 0)),
		sheet(2, 0, today.AddDate(0, 2, 0)),
		sheet(3, 0, today.AddDate(0, 3, 0)),
	)

	taken := 0
	for _, n := range []int{3, 4, 5, 2, 7, 6, 4} {
		plan, err := PlanConsumption(st, n, today)
		if err != nil {
			assert.ErrorIs(t, err, ErrInsufficientStock)
			continue
		}
		st = st.Apply(plan)
		taken += n
	}

	total := 0
	inUse := 0
	for _, s := range st.Sheets {
		total += s.ConsumedTablets
		if s.IsInUse {
			inUse++
		}
	}
	assert.Equal(t, taken, total)
	assert.LessOrEqual(t, inUse, 1)
}
