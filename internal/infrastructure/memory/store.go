// Package memory is an in-process implementation of the dosing store used
// for development and tests. Transactions are serialised and applied
// copy-on-commit, so a failed transaction leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

type medicine struct {
	ID              int64
	Name            string
	TabletsPerSheet int
	ActiveSheetID   *int64
}

type state struct {
	medicines     map[int64]medicine
	sheets        map[int64]inventory.Sheet
	prescriptions map[int64]int64 // prescription -> patient
	rules         map[int64]dosing.Rule
	executions    map[string]dosing.Execution
	events        []dosing.Event
	nextID        int64
}

func newState() *state {
	return &state{
		medicines:     make(map[int64]medicine),
		sheets:        make(map[int64]inventory.Sheet),
		prescriptions: make(map[int64]int64),
		rules:         make(map[int64]dosing.Rule),
		executions:    make(map[string]dosing.Execution),
	}
}

func (s *state) clone() *state {
	out := &state{
		medicines:     make(map[int64]medicine, len(s.medicines)),
		sheets:        make(map[int64]inventory.Sheet, len(s.sheets)),
		prescriptions: make(map[int64]int64, len(s.prescriptions)),
		rules:         make(map[int64]dosing.Rule, len(s.rules)),
		executions:    make(map[string]dosing.Execution, len(s.executions)),
		events:        append([]dosing.Event(nil), s.events...),
		nextID:        s.nextID,
	}
	for k, v := range s.medicines {
		if v.ActiveSheetID != nil {
			id := *v.ActiveSheetID
			v.ActiveSheetID = &id
		}
		out.medicines[k] = v
	}
	for k, v := range s.sheets {
		out.sheets[k] = v
	}
	for k, v := range s.prescriptions {
		out.prescriptions[k] = v
	}
	for k, v := range s.rules {
		out.rules[k] = v
	}
	for k, v := range s.executions {
		v.Draws = append([]inventory.Draw(nil), v.Draws...)
		out.executions[k] = v
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) stock(medicineID int64) (*inventory.Stock, error) {
	m, ok := s.medicines[medicineID]
	if !ok {
		return nil, fmt.Errorf("%w: medicine %d", inventory.ErrNotFound, medicineID)
	}
	st := &inventory.Stock{
		MedicineID:      m.ID,
		MedicineName:    m.Name,
		TabletsPerSheet: m.TabletsPerSheet,
		Sheets:          []inventory.Sheet{},
	}
	if m.ActiveSheetID != nil {
		id := *m.ActiveSheetID
		st.ActiveSheetID = &id
	}
	for _, sh := range s.sheets {
		if sh.MedicineID == medicineID {
			st.Sheets = append(st.Sheets, sh)
		}
	}
	st.Normalize()
	return st, nil
}

func (s *state) rule(id int64) (dosing.Rule, error) {
	r, ok := s.rules[id]
	if !ok {
		return dosing.Rule{}, fmt.Errorf("%w: rule %d", dosing.ErrNotFound, id)
	}
	return r, nil
}

// Store implements dosing.Store in memory
type Store struct {
	mu    sync.RWMutex
	state *state
	now   func() time.Time
}

var _ dosing.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error { return nil }

// LoadStock implements inventory.Store
func (s *Store) LoadStock(ctx context.Context, medicineID int64) (*inventory.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.stock(medicineID)
}

// GetRule returns a rule by ID
func (s *Store) GetRule(ctx context.Context, id int64) (dosing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.rule(id)
}

// ListActiveRules returns the patient's active rules ordered by ID
func (s *Store) ListActiveRules(ctx context.Context, patientID int64) ([]dosing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dosing.Rule, 0)
	for _, r := range s.state.rules {
		if r.IsActive && r.PatientID == patientID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListExecutions returns executions of ruleIDs dated within [from, to]
func (s *Store) ListExecutions(ctx context.Context, ruleIDs []int64, from, to time.Time) ([]dosing.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[int64]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		want[id] = true
	}
	from, to = recurrence.Day(from), recurrence.Day(to)

	out := make([]dosing.Execution, 0)
	for _, e := range s.state.executions {
		if want[e.RuleID] && !e.Date.Before(from) && !e.Date.After(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

// Events returns a copy of the event log
func (s *Store) Events() []dosing.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dosing.Event(nil), s.state.events...)
}

// WithTx implements dosing.Store
func (s *Store) WithTx(ctx context.Context, fn func(tx dosing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&tx{state: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// WithStockTx implements inventory.Store
func (s *Store) WithStockTx(ctx context.Context, fn func(tx inventory.StockTx) error) error {
	return s.WithTx(ctx, func(tx dosing.Tx) error { return fn(tx) })
}

// CreateMedicine registers a medicine
func (s *Store) CreateMedicine(name string, tabletsPerSheet int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.state.id()
	s.state.medicines[id] = medicine{ID: id, Name: name, TabletsPerSheet: tabletsPerSheet}
	return id
}

// CreatePrescription registers a prescription for patientID
func (s *Store) CreatePrescription(patientID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.state.id()
	s.state.prescriptions[id] = patientID
	return id
}

// SeedSheet stores a sheet with arbitrary state, optionally as the in-use sheet
func (s *Store) SeedSheet(medicineID int64, consumed int, expiry time.Time, inUse bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.state.medicines[medicineID]
	id := s.state.id()
	s.state.sheets[id] = inventory.Sheet{
		ID:              id,
		MedicineID:      medicineID,
		TabletsPerSheet: m.TabletsPerSheet,
		ConsumedTablets: consumed,
		ExpiryDate:      recurrence.Day(expiry),
		CreatedAt:       s.now(),
	}
	if inUse {
		m.ActiveSheetID = &id
		s.state.medicines[medicineID] = m
	}
	return id
}

type tx struct {
	state *state
	now   func() time.Time
}

func (t *tx) LockStock(ctx context.Context, medicineID int64) (*inventory.Stock, error) {
	return t.state.stock(medicineID)
}

func (t *tx) UpdateSheetConsumed(ctx context.Context, sheetID int64, consumed int) error {
	sh, ok := t.state.sheets[sheetID]
	if !ok {
		return fmt.Errorf("%w: sheet %d", inventory.ErrNotFound, sheetID)
	}
	if consumed < 0 || consumed > sh.TabletsPerSheet {
		return fmt.Errorf("%w: consumed %d outside 0..%d", inventory.ErrInvalidQuantity, consumed, sh.TabletsPerSheet)
	}
	sh.ConsumedTablets = consumed
	t.state.sheets[sheetID] = sh
	return nil
}

func (t *tx) SetActiveSheet(ctx context.Context, medicineID int64, sheetID *int64) error {
	m, ok := t.state.medicines[medicineID]
	if !ok {
		return fmt.Errorf("%w: medicine %d", inventory.ErrNotFound, medicineID)
	}
	if sheetID != nil {
		sh, ok := t.state.sheets[*sheetID]
		if !ok || sh.MedicineID != medicineID {
			return fmt.Errorf("%w: sheet %d of medicine %d", inventory.ErrNotFound, *sheetID, medicineID)
		}
		id := *sheetID
		sheetID = &id
	}
	m.ActiveSheetID = sheetID
	t.state.medicines[medicineID] = m
	return nil
}

func (t *tx) InsertSheet(ctx context.Context, s *inventory.Sheet) error {
	m, ok := t.state.medicines[s.MedicineID]
	if !ok {
		return fmt.Errorf("%w: medicine %d", inventory.ErrNotFound, s.MedicineID)
	}
	s.ID = t.state.id()
	s.TabletsPerSheet = m.TabletsPerSheet
	s.CreatedAt = t.now()
	t.state.sheets[s.ID] = *s
	return nil
}

func (t *tx) MedicineOfSheet(ctx context.Context, sheetID int64) (int64, error) {
	sh, ok := t.state.sheets[sheetID]
	if !ok {
		return 0, fmt.Errorf("%w: sheet %d", inventory.ErrNotFound, sheetID)
	}
	return sh.MedicineID, nil
}

func (t *tx) GetRule(ctx context.Context, id int64) (dosing.Rule, error) {
	return t.state.rule(id)
}

func (t *tx) PrescriptionPatient(ctx context.Context, prescriptionID int64) (int64, error) {
	patientID, ok := t.state.prescriptions[prescriptionID]
	if !ok {
		return 0, fmt.Errorf("%w: prescription %d", dosing.ErrNotFound, prescriptionID)
	}
	return patientID, nil
}

func (t *tx) MedicineName(ctx context.Context, medicineID int64) (string, error) {
	m, ok := t.state.medicines[medicineID]
	if !ok {
		return "", fmt.Errorf("%w: medicine %d", dosing.ErrNotFound, medicineID)
	}
	return m.Name, nil
}

func (t *tx) InsertRule(ctx context.Context, r *dosing.Rule) error {
	r.ID = t.state.id()
	t.state.rules[r.ID] = *r
	return nil
}

func (t *tx) DeactivateRule(ctx context.Context, id int64, supersededBy *int64) error {
	r, err := t.state.rule(id)
	if err != nil {
		return err
	}
	r.IsActive = false
	r.SupersededBy = supersededBy
	t.state.rules[id] = r
	return nil
}

func (t *tx) InsertExecution(ctx context.Context, e *dosing.Execution) (bool, error) {
	key := dosing.OccurrenceKey(e.RuleID, e.Slot, e.Date)
	if _, ok := t.state.executions[key]; ok {
		return false, nil
	}
	t.state.executions[key] = *e
	return true, nil
}

func (t *tx) SetExecutionDraws(ctx context.Context, id uuid.UUID, draws []inventory.Draw) error {
	for k, e := range t.state.executions {
		if e.ID == id {
			e.Draws = append([]inventory.Draw(nil), draws...)
			t.state.executions[k] = e
			return nil
		}
	}
	return fmt.Errorf("%w: execution %s", dosing.ErrNotFound, id)
}

func (t *tx) GetExecution(ctx context.Context, ruleID int64, slot dosing.Slot, date time.Time) (dosing.Execution, error) {
	e, ok := t.state.executions[dosing.OccurrenceKey(ruleID, slot, date)]
	if !ok {
		return dosing.Execution{}, fmt.Errorf("%w: no %s execution of rule %d on %s",
			dosing.ErrNotFound, slot, ruleID, recurrence.Day(date).Format(time.DateOnly))
	}
	return e, nil
}

func (t *tx) DeleteExecution(ctx context.Context, id uuid.UUID) error {
	for k, e := range t.state.executions {
		if e.ID == id {
			delete(t.state.executions, k)
			return nil
		}
	}
	return fmt.Errorf("%w: execution %s", dosing.ErrNotFound, id)
}

func (t *tx) WriteEvent(ctx context.Context, e *dosing.Event) error {
	t.state.events = append(t.state.events, *e)
	return nil
}
