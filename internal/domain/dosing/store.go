package dosing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dose/internal/domain/inventory"
)

// Store defines persistence for rules and executions.
// Lookups of missing rows return an error wrapping ErrNotFound.
type Store interface {
	inventory.Store

	GetRule(ctx context.Context, id int64) (Rule, error)
	// ListActiveRules returns the active rules of every prescription of the patient
	ListActiveRules(ctx context.Context, patientID int64) ([]Rule, error)
	// ListExecutions returns executions of the given rules with a dose date in [from, to]
	ListExecutions(ctx context.Context, ruleIDs []int64, from, to time.Time) ([]Execution, error)

	// WithTx runs fn in one transaction; it commits only if fn returns nil
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a store transaction
type Tx interface {
	inventory.StockTx

	GetRule(ctx context.Context, id int64) (Rule, error)
	// PrescriptionPatient returns the patient the prescription belongs to
	PrescriptionPatient(ctx context.Context, prescriptionID int64) (int64, error)
	MedicineName(ctx context.Context, medicineID int64) (string, error)
	InsertRule(ctx context.Context, r *Rule) error
	DeactivateRule(ctx context.Context, id int64, supersededBy *int64) error

	// InsertExecution records an occurrence. It reports false, without error,
	// when the occurrence is already recorded.
	InsertExecution(ctx context.Context, e *Execution) (bool, error)
	SetExecutionDraws(ctx context.Context, id uuid.UUID, draws []inventory.Draw) error
	GetExecution(ctx context.Context, ruleID int64, slot Slot, date time.Time) (Execution, error)
	DeleteExecution(ctx context.Context, id uuid.UUID) error

	// WriteEvent appends to the outbox
	WriteEvent(ctx context.Context, e *Event) error
}
