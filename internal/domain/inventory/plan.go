package inventory

import (
	"fmt"
	"time"
)

// Draw records how many tablets were taken from one sheet
type Draw struct {
	SheetID int64 `json:"sheetId"`
	Tablets int   `json:"tablets"`
}

// Plan is the outcome of a consumption decision, not yet persisted
type Plan struct {
	MedicineID int64
	Tablets    int
	Draws      []Draw
	// Consumed holds the new consumed count of every touched sheet
	Consumed      map[int64]int
	ActiveSheetID *int64
	Exhausted     []int64
}

// Select picks the sheet the next tablet comes from.
// The in-use sheet wins; an expired in-use sheet is an error, never skipped.
// Without one, the unexhausted, unexpired sheet with the earliest expiry is chosen.
func Select(st *Stock, today time.Time) (Sheet, error) {
	if st.ActiveSheetID != nil {
		if s, ok := st.Sheet(*st.ActiveSheetID); ok && !s.Exhausted() {
			if s.Expired(today) {
				return Sheet{}, fmt.Errorf("%w: sheet %d expired on %s",
					ErrExpiredStock, s.ID, s.ExpiryDate.Format(time.DateOnly))
			}
			s.IsInUse = true
			return s, nil
		}
	}

	best, expired := -1, false
	for i, s := range st.Sheets {
		if s.Exhausted() {
			continue
		}
		if s.Expired(today) {
			expired = true
			continue
		}
		if best < 0 || earlier(s, st.Sheets[best]) {
			best = i
		}
	}

	if best < 0 {
		if expired {
			return Sheet{}, fmt.Errorf("%w: medicine %d has only expired sheets left", ErrExpiredStock, st.MedicineID)
		}
		return Sheet{}, fmt.Errorf("%w: medicine %d", ErrNoStock, st.MedicineID)
	}

	s := st.Sheets[best]
	s.IsInUse = true
	return s, nil
}

func earlier(a, b Sheet) bool {
	if !a.ExpiryDate.Equal(b.ExpiryDate) {
		return a.ExpiryDate.Before(b.ExpiryDate)
	}
	return a.ID < b.ID
}

// PlanConsumption decides how count tablets are drawn, rolling over into
// further sheets when the selected one runs out. The stock is not modified.
func PlanConsumption(st *Stock, count int, today time.Time) (*Plan, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d tablets", ErrInvalidQuantity, count)
	}

	work := st.Clone()
	plan := &Plan{
		MedicineID: st.MedicineID,
		Tablets:    count,
		Consumed:   make(map[int64]int),
	}

	remaining := count
	for remaining > 0 {
		s, err := Select(work, today)
		if err != nil {
			if len(plan.Draws) > 0 {
				return nil, fmt.Errorf("%w: %d of %d tablets unavailable for medicine %d",
					ErrInsufficientStock, remaining, count, st.MedicineID)
			}
			return nil, err
		}

		take := min(remaining, s.Remaining())
		remaining -= take
		consumed := s.ConsumedTablets + take

		plan.Draws = append(plan.Draws, Draw{SheetID: s.ID, Tablets: take})
		plan.Consumed[s.ID] = consumed
		setConsumed(work, s.ID, consumed)

		if consumed >= s.TabletsPerSheet {
			plan.Exhausted = append(plan.Exhausted, s.ID)
			work.ActiveSheetID = nil
		} else {
			id := s.ID
			work.ActiveSheetID = &id
		}
	}

	plan.ActiveSheetID = work.ActiveSheetID
	return plan, nil
}

func setConsumed(st *Stock, id int64, consumed int) {
	for i := range st.Sheets {
		if st.Sheets[i].ID == id {
			st.Sheets[i].ConsumedTablets = consumed
			return
		}
	}
}

// Apply returns the snapshot after plan is applied
func (st *Stock) Apply(plan *Plan) *Stock {
	out := st.Clone()
	for id, consumed := range plan.Consumed {
		setConsumed(out, id, consumed)
	}
	out.ActiveSheetID = plan.ActiveSheetID
	out.Normalize()
	return out
}

// PlanRelease reverses draws: tablets go back to the sheets they came from.
// The in-use pointer is left alone unless it points at nothing usable.
func PlanRelease(st *Stock, draws []Draw) (*Plan, error) {
	plan := &Plan{MedicineID: st.MedicineID, Consumed: make(map[int64]int)}
	work := st.Clone()

	for _, d := range draws {
		s, ok := work.Sheet(d.SheetID)
		if !ok {
			return nil, fmt.Errorf("%w: sheet %d", ErrNotFound, d.SheetID)
		}
		consumed := s.ConsumedTablets - d.Tablets
		if consumed < 0 {
			consumed = 0
		}
		setConsumed(work, s.ID, consumed)
		plan.Consumed[s.ID] = consumed
		plan.Tablets += d.Tablets
		plan.Draws = append(plan.Draws, d)
	}

	plan.ActiveSheetID = work.ActiveSheetID
	if plan.ActiveSheetID != nil {
		if s, ok := work.Sheet(*plan.ActiveSheetID); !ok || s.Exhausted() {
			plan.ActiveSheetID = nil
		}
	}
	return plan, nil
}
