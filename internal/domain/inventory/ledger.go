package inventory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

// StockTx is the part of a store transaction the ledger writes through
type StockTx interface {
	// LockStock loads a medicine's stock and holds it until the transaction ends
	LockStock(ctx context.Context, medicineID int64) (*Stock, error)
	UpdateSheetConsumed(ctx context.Context, sheetID int64, consumed int) error
	SetActiveSheet(ctx context.Context, medicineID int64, sheetID *int64) error
	InsertSheet(ctx context.Context, s *Sheet) error
	MedicineOfSheet(ctx context.Context, sheetID int64) (int64, error)
}

// Store provides snapshots and transactions over medicine stock
type Store interface {
	LoadStock(ctx context.Context, medicineID int64) (*Stock, error)
	WithStockTx(ctx context.Context, fn func(tx StockTx) error) error
}

// Consumption is the applied result of a consume call
type Consumption struct {
	MedicineID    int64   `json:"medicineId"`
	Tablets       int     `json:"tablets"`
	Draws         []Draw  `json:"draws"`
	Exhausted     []int64 `json:"exhausted,omitempty"`
	ActiveSheetID *int64  `json:"activeSheetId,omitempty"`
}

// SheetPatch is an administrative override; nil fields are left untouched
type SheetPatch struct {
	ConsumedTablets *int
	IsInUse         *bool
}

// Ledger owns sheet selection and consumption for medicines
type Ledger struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewLedger creates a ledger over store
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("inventory-ledger"),
	}
}

// AvailableSheet returns the sheet the next dose would be drawn from.
// It does not persist the selection.
func (l *Ledger) AvailableSheet(ctx context.Context, medicineID int64, today time.Time) (Sheet, error) {
	st, err := l.store.LoadStock(ctx, medicineID)
	if err != nil {
		return Sheet{}, err
	}
	return Select(st, today)
}

// ListSheets returns the medicine's current stock
func (l *Ledger) ListSheets(ctx context.Context, medicineID int64) (*Stock, error) {
	return l.store.LoadStock(ctx, medicineID)
}

// Consume draws count tablets inside tx. On error nothing has been written.
func (l *Ledger) Consume(ctx context.Context, tx StockTx, medicineID int64, count int, today time.Time) (*Consumption, error) {
	ctx, span := l.tracer.Start(ctx, "ledger_consume",
		trace.WithAttributes(
			attribute.Int64("medicine_id", medicineID),
			attribute.Int("tablets", count),
		))
	defer span.End()

	st, err := tx.LockStock(ctx, medicineID)
	if err != nil {
		return nil, err
	}

	plan, err := PlanConsumption(st, count, today)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := l.apply(ctx, tx, st, plan); err != nil {
		return nil, err
	}

	if len(plan.Exhausted) > 0 {
		l.logger.Info("sheets exhausted",
			zap.Int64("medicine_id", medicineID),
			zap.Int64s("sheet_ids", plan.Exhausted))
	}

	return &Consumption{
		MedicineID:    medicineID,
		Tablets:       count,
		Draws:         plan.Draws,
		Exhausted:     plan.Exhausted,
		ActiveSheetID: plan.ActiveSheetID,
	}, nil
}

// Release returns previously drawn tablets to their sheets inside tx
func (l *Ledger) Release(ctx context.Context, tx StockTx, medicineID int64, draws []Draw) error {
	st, err := tx.LockStock(ctx, medicineID)
	if err != nil {
		return err
	}
	plan, err := PlanRelease(st, draws)
	if err != nil {
		return err
	}
	return l.apply(ctx, tx, st, plan)
}

func (l *Ledger) apply(ctx context.Context, tx StockTx, st *Stock, plan *Plan) error {
	written := make(map[int64]bool, len(plan.Consumed))
	for _, d := range plan.Draws {
		consumed, ok := plan.Consumed[d.SheetID]
		if !ok || written[d.SheetID] {
			continue
		}
		if err := tx.UpdateSheetConsumed(ctx, d.SheetID, consumed); err != nil {
			return fmt.Errorf("update sheet %d: %w", d.SheetID, err)
		}
		written[d.SheetID] = true
	}
	if !sameSheet(st.ActiveSheetID, plan.ActiveSheetID) {
		if err := tx.SetActiveSheet(ctx, st.MedicineID, plan.ActiveSheetID); err != nil {
			return fmt.Errorf("set active sheet: %w", err)
		}
	}
	return nil
}

// AddSheet registers a new, untouched sheet for a medicine
func (l *Ledger) AddSheet(ctx context.Context, medicineID int64, expiry time.Time) (Sheet, error) {
	if expiry.IsZero() {
		return Sheet{}, fmt.Errorf("%w: expiry date is required", ErrInvalidSheetState)
	}

	var sheet Sheet
	err := l.store.WithStockTx(ctx, func(tx StockTx) error {
		st, err := tx.LockStock(ctx, medicineID)
		if err != nil {
			return err
		}
		sheet = Sheet{
			MedicineID:      medicineID,
			TabletsPerSheet: st.TabletsPerSheet,
			ExpiryDate:      recurrence.Day(expiry),
		}
		return tx.InsertSheet(ctx, &sheet)
	})
	if err != nil {
		return Sheet{}, err
	}

	l.logger.Info("sheet added",
		zap.Int64("medicine_id", medicineID),
		zap.Int64("sheet_id", sheet.ID),
		zap.Time("expiry", sheet.ExpiryDate))
	return sheet, nil
}

// PatchSheet applies a manual correction, re-checking the single in-use sheet rule
func (l *Ledger) PatchSheet(ctx context.Context, sheetID int64, patch SheetPatch, today time.Time) (Sheet, error) {
	var out Sheet
	err := l.store.WithStockTx(ctx, func(tx StockTx) error {
		medicineID, err := tx.MedicineOfSheet(ctx, sheetID)
		if err != nil {
			return err
		}
		st, err := tx.LockStock(ctx, medicineID)
		if err != nil {
			return err
		}
		s, ok := st.Sheet(sheetID)
		if !ok {
			return fmt.Errorf("%w: sheet %d", ErrNotFound, sheetID)
		}

		consumed := s.ConsumedTablets
		if patch.ConsumedTablets != nil {
			consumed = *patch.ConsumedTablets
			if consumed < 0 || consumed > st.TabletsPerSheet {
				return fmt.Errorf("%w: consumed %d outside 0..%d", ErrInvalidQuantity, consumed, st.TabletsPerSheet)
			}
		}

		active := st.ActiveSheetID
		if patch.IsInUse != nil {
			switch {
			case *patch.IsInUse:
				if active != nil && *active != sheetID {
					return fmt.Errorf("%w: sheet %d", ErrSheetInUseConflict, *active)
				}
				if consumed >= st.TabletsPerSheet {
					return fmt.Errorf("%w: sheet %d is exhausted", ErrInvalidSheetState, sheetID)
				}
				if s.Expired(today) {
					return fmt.Errorf("%w: sheet %d is expired", ErrInvalidSheetState, sheetID)
				}
				id := sheetID
				active = &id
			case active != nil && *active == sheetID:
				active = nil
			}
		}
		if active != nil && *active == sheetID && consumed >= st.TabletsPerSheet {
			active = nil
		}

		if consumed != s.ConsumedTablets {
			if err := tx.UpdateSheetConsumed(ctx, sheetID, consumed); err != nil {
				return err
			}
		}
		if !sameSheet(active, st.ActiveSheetID) {
			if err := tx.SetActiveSheet(ctx, medicineID, active); err != nil {
				return err
			}
		}

		s.ConsumedTablets = consumed
		s.IsInUse = active != nil && *active == sheetID
		out = s
		return nil
	})
	if err != nil {
		return Sheet{}, err
	}

	l.logger.Info("sheet patched",
		zap.Int64("sheet_id", sheetID),
		zap.Int("consumed", out.ConsumedTablets),
		zap.Bool("in_use", out.IsInUse))
	return out, nil
}

func sameSheet(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
