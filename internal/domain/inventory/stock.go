// Package inventory implements the medicine sheet ledger.
//
// Sheet selection and rollover are computed as a pure Plan over a Stock
// snapshot; the Ledger then persists the plan through a store transaction.
package inventory

import (
	"errors"
	"sort"
	"time"

	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

var (
	ErrNoStock            = errors.New("no stock")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrExpiredStock       = errors.New("expired stock")
	ErrNotFound           = errors.New("not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrInvalidSheetState  = errors.New("invalid sheet state")
	ErrSheetInUseConflict = errors.New("another sheet is already in use")
)

// Sheet is one physical strip of tablets
type Sheet struct {
	ID              int64     `json:"id"`
	MedicineID      int64     `json:"medicineId"`
	TabletsPerSheet int       `json:"tabletsPerSheet"`
	ConsumedTablets int       `json:"consumedTablets"`
	ExpiryDate      time.Time `json:"expiryDate"`
	IsInUse         bool      `json:"isInUse"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Remaining returns the tablets left on the sheet
func (s Sheet) Remaining() int { return s.TabletsPerSheet - s.ConsumedTablets }

// Exhausted reports whether every tablet has been consumed
func (s Sheet) Exhausted() bool { return s.ConsumedTablets >= s.TabletsPerSheet }

// Expired reports whether the sheet is past expiry on today.
// A sheet expiring today is still usable.
func (s Sheet) Expired(today time.Time) bool {
	return recurrence.Day(s.ExpiryDate).Before(recurrence.Day(today))
}

// Stock is a snapshot of one medicine's sheets.
// ActiveSheetID is the single in-use sheet; Sheet.IsInUse is derived from it.
type Stock struct {
	MedicineID      int64
	MedicineName    string
	TabletsPerSheet int
	ActiveSheetID   *int64
	Sheets          []Sheet
}

// Sheet returns the sheet with the given ID
func (st *Stock) Sheet(id int64) (Sheet, bool) {
	for _, s := range st.Sheets {
		if s.ID == id {
			return s, true
		}
	}
	return Sheet{}, false
}

// Normalize sorts sheets by ID and recomputes IsInUse from ActiveSheetID
func (st *Stock) Normalize() {
	sort.Slice(st.Sheets, func(i, j int) bool { return st.Sheets[i].ID < st.Sheets[j].ID })
	for i := range st.Sheets {
		st.Sheets[i].MedicineID = st.MedicineID
		st.Sheets[i].TabletsPerSheet = st.TabletsPerSheet
		st.Sheets[i].IsInUse = st.ActiveSheetID != nil && *st.ActiveSheetID == st.Sheets[i].ID
	}
}

// Clone returns a deep copy
func (st *Stock) Clone() *Stock {
	out := *st
	out.Sheets = append([]Sheet(nil), st.Sheets...)
	if st.ActiveSheetID != nil {
		id := *st.ActiveSheetID
		out.ActiveSheetID = &id
	}
	return &out
}

// RemainingTablets sums unconsumed tablets over sheets usable on today
func (st *Stock) RemainingTablets(today time.Time) int {
	total := 0
	for _, s := range st.Sheets {
		if !s.Exhausted() && !s.Expired(today) {
			total += s.Remaining()
		}
	}
	return total
}
