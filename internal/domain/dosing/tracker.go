package dosing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

// MarkResult is the outcome of a successful mark
type MarkResult struct {
	Execution       Execution              `json:"execution"`
	AlreadyExecuted bool                   `json:"alreadyExecuted"`
	Consumption     *inventory.Consumption `json:"consumption,omitempty"`
}

// Tracker records administered doses and consumes stock exactly once per occurrence
type Tracker struct {
	store  Store
	ledger *inventory.Ledger
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewTracker creates a new execution tracker
func NewTracker(store Store, ledger *inventory.Ledger, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		ledger: ledger,
		logger: logger,
		tracer: otel.Tracer("execution-tracker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MarkExecuted records the occurrence (ruleID, slot, date) and consumes its
// tablets. Marking an occurrence that is already recorded succeeds without
// consuming again. On any error nothing is recorded or consumed.
func (t *Tracker) MarkExecuted(ctx context.Context, ruleID int64, slot Slot, date, today time.Time) (*MarkResult, error) {
	date = recurrence.Day(date)
	ctx, span := t.tracer.Start(ctx, "mark_executed",
		trace.WithAttributes(
			attribute.Int64("rule_id", ruleID),
			attribute.String("slot", string(slot)),
			attribute.String("dose_date", date.Format(time.DateOnly)),
		))
	defer span.End()

	result := &MarkResult{}
	err := t.store.WithTx(ctx, func(tx Tx) error {
		rule, err := t.occurrence(ctx, tx, ruleID, slot, date)
		if err != nil {
			return err
		}

		if !rule.IsActive {
			// a retired rule accepts only re-marks of what it already recorded
			prev, err := tx.GetExecution(ctx, ruleID, slot, date)
			if err != nil {
				return fmt.Errorf("%w: rule %d is inactive", ErrNotFound, ruleID)
			}
			result.Execution, result.AlreadyExecuted = prev, true
			return nil
		}

		exec := Execution{
			ID:         uuid.New(),
			RuleID:     rule.ID,
			Slot:       slot,
			Date:       date,
			MedicineID: rule.MedicineID,
			Tablets:    rule.Count(slot),
			ExecutedAt: t.now(),
		}
		inserted, err := tx.InsertExecution(ctx, &exec)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if !inserted {
			prev, err := tx.GetExecution(ctx, ruleID, slot, date)
			if err != nil {
				return fmt.Errorf("load execution: %w", err)
			}
			result.Execution, result.AlreadyExecuted = prev, true
			return nil
		}

		cons, err := t.ledger.Consume(ctx, tx, rule.MedicineID, exec.Tablets, today)
		if err != nil {
			return err
		}
		exec.Draws = cons.Draws
		if err := tx.SetExecutionDraws(ctx, exec.ID, exec.Draws); err != nil {
			return fmt.Errorf("record draws: %w", err)
		}

		if err := t.writeExecuted(ctx, tx, rule, exec, cons, today); err != nil {
			return err
		}

		result.Execution = exec
		result.Consumption = cons
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if result.AlreadyExecuted {
		t.logger.Info("dose already executed",
			zap.Int64("rule_id", ruleID),
			zap.String("slot", string(slot)),
			zap.String("dose_date", date.Format(time.DateOnly)))
	} else {
		t.logger.Info("dose executed",
			zap.Int64("rule_id", ruleID),
			zap.String("slot", string(slot)),
			zap.String("dose_date", date.Format(time.DateOnly)),
			zap.Int64("medicine_id", result.Execution.MedicineID),
			zap.Int("tablets", result.Execution.Tablets))
	}
	span.SetAttributes(attribute.Bool("already_executed", result.AlreadyExecuted))
	return result, nil
}

// UnmarkExecuted removes a recorded occurrence and returns its tablets to the
// sheets they were drawn from
func (t *Tracker) UnmarkExecuted(ctx context.Context, ruleID int64, slot Slot, date time.Time) (Execution, error) {
	date = recurrence.Day(date)
	ctx, span := t.tracer.Start(ctx, "unmark_executed",
		trace.WithAttributes(
			attribute.Int64("rule_id", ruleID),
			attribute.String("slot", string(slot)),
			attribute.String("dose_date", date.Format(time.DateOnly)),
		))
	defer span.End()

	var exec Execution
	err := t.store.WithTx(ctx, func(tx Tx) error {
		var err error
		exec, err = tx.GetExecution(ctx, ruleID, slot, date)
		if err != nil {
			return err
		}
		if err := tx.DeleteExecution(ctx, exec.ID); err != nil {
			return fmt.Errorf("delete execution: %w", err)
		}
		if len(exec.Draws) > 0 {
			if err := t.ledger.Release(ctx, tx, exec.MedicineID, exec.Draws); err != nil {
				return fmt.Errorf("release stock: %w", err)
			}
		}

		evt, err := NewEvent(AggregateRule, ruleID, EventDoseReverted, DoseExecutedData{
			RuleID:     ruleID,
			MedicineID: exec.MedicineID,
			Slot:       slot,
			DoseDate:   date.Format(time.DateOnly),
			Tablets:    exec.Tablets,
			Draws:      exec.Draws,
		})
		if err != nil {
			return err
		}
		return tx.WriteEvent(ctx, evt.WithCorrelation(OccurrenceKey(ruleID, slot, date)))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Execution{}, err
	}

	t.logger.Info("dose execution reverted",
		zap.Int64("rule_id", ruleID),
		zap.String("slot", string(slot)),
		zap.String("dose_date", date.Format(time.DateOnly)),
		zap.Int("tablets", exec.Tablets))
	return exec, nil
}

// occurrence resolves the rule and checks that (slot, date) is one of its occurrences
func (t *Tracker) occurrence(ctx context.Context, tx Tx, ruleID int64, slot Slot, date time.Time) (Rule, error) {
	rule, err := tx.GetRule(ctx, ruleID)
	if err != nil {
		return Rule{}, err
	}
	if rule.Count(slot) <= 0 {
		return Rule{}, fmt.Errorf("%w: rule %d has no %s dose", ErrNotFound, ruleID, slot)
	}
	if !recurrence.IsDue(rule.Schedule, date) {
		return Rule{}, fmt.Errorf("%w: rule %d is not due on %s", ErrNotFound, ruleID, date.Format(time.DateOnly))
	}
	return rule, nil
}

func (t *Tracker) writeExecuted(ctx context.Context, tx Tx, rule Rule, exec Execution, cons *inventory.Consumption, today time.Time) error {
	key := OccurrenceKey(exec.RuleID, exec.Slot, exec.Date)

	evt, err := NewEvent(AggregateRule, rule.ID, EventDoseExecuted, DoseExecutedData{
		RuleID:     rule.ID,
		PatientID:  rule.PatientID,
		MedicineID: rule.MedicineID,
		Slot:       exec.Slot,
		DoseDate:   exec.Date.Format(time.DateOnly),
		Tablets:    exec.Tablets,
		Draws:      cons.Draws,
	})
	if err != nil {
		return err
	}
	if err := tx.WriteEvent(ctx, evt.WithCorrelation(key)); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if len(cons.Exhausted) == 0 {
		return nil
	}
	st, err := tx.LockStock(ctx, rule.MedicineID)
	if err != nil {
		return err
	}
	for _, sheetID := range cons.Exhausted {
		evt, err := NewEvent(AggregateMedicine, rule.MedicineID, EventSheetExhausted, SheetExhaustedData{
			MedicineID:       rule.MedicineID,
			MedicineName:     rule.MedicineName,
			SheetID:          sheetID,
			RemainingTablets: st.RemainingTablets(today),
		})
		if err != nil {
			return err
		}
		if err := tx.WriteEvent(ctx, evt.WithCorrelation(key)); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}
