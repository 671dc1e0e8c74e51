package dosing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

// MaxCalendarDays bounds a calendar request
const MaxCalendarDays = 62

// Status is the fulfillment state of an instruction
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
)

// Stock issue codes reported on instructions
const (
	IssueNoStock           = "no_stock"
	IssueInsufficientStock = "insufficient_stock"
	IssueExpiredStock      = "expired_stock"
)

// Instruction is one slot of one due rule on one date
type Instruction struct {
	RuleID       int64     `json:"ruleId"`
	MedicineID   int64     `json:"medicineId"`
	MedicineName string    `json:"medicineName"`
	Slot         Slot      `json:"slot"`
	TabletCount  int       `json:"tabletCount"`
	Date         time.Time `json:"-"`
	Status       Status    `json:"status"`
	// SheetID is the sheet a pending dose would currently be drawn from
	SheetID    *int64 `json:"sheetId,omitempty"`
	StockIssue string `json:"stockIssue,omitempty"`
}

// Day groups the instructions of one date
type Day struct {
	Date         time.Time     `json:"-"`
	Instructions []Instruction `json:"instructions"`
}

// Aggregator builds dosing instructions from rules, executions and stock
type Aggregator struct {
	store  Store
	ledger *inventory.Ledger
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAggregator creates a new aggregator
func NewAggregator(store Store, ledger *inventory.Ledger, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:  store,
		ledger: ledger,
		logger: logger,
		tracer: otel.Tracer("instruction-aggregator"),
	}
}

// InstructionsFor returns the patient's instructions for date.
// Nothing is consumed; stock is only inspected.
func (a *Aggregator) InstructionsFor(ctx context.Context, patientID int64, date, today time.Time) ([]Instruction, error) {
	days, err := a.build(ctx, patientID, recurrence.Day(date), recurrence.Day(date), today)
	if err != nil {
		return nil, err
	}
	return days[0].Instructions, nil
}

// Calendar returns instructions for every date in [from, to]
func (a *Aggregator) Calendar(ctx context.Context, patientID int64, from, to, today time.Time) ([]Day, error) {
	from, to = recurrence.Day(from), recurrence.Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end %s before start %s", ErrInvalidRange,
			to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	if n := recurrence.DaysBetween(from, to) + 1; n > MaxCalendarDays {
		return nil, fmt.Errorf("%w: %d days requested, at most %d", ErrInvalidRange, n, MaxCalendarDays)
	}
	return a.build(ctx, patientID, from, to, today)
}

func (a *Aggregator) build(ctx context.Context, patientID int64, from, to, today time.Time) ([]Day, error) {
	ctx, span := a.tracer.Start(ctx, "build_instructions",
		trace.WithAttributes(
			attribute.Int64("patient_id", patientID),
			attribute.String("from", from.Format(time.DateOnly)),
			attribute.String("to", to.Format(time.DateOnly)),
		))
	defer span.End()

	rules, err := a.store.ListActiveRules(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list rules: %w", err)
	}

	ids := make([]int64, 0, len(rules))
	due := make(map[string]bool)
	for _, r := range rules {
		ids = append(ids, r.ID)
		if !r.IsActive {
			continue
		}
		for _, d := range recurrence.DueDates(r.Schedule, from, to) {
			due[dueKey(r.ID, d)] = true
		}
	}

	executed := make(map[string]bool)
	if len(ids) > 0 {
		execs, err := a.store.ListExecutions(ctx, ids, from, to)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("list executions: %w", err)
		}
		for _, e := range execs {
			executed[OccurrenceKey(e.RuleID, e.Slot, e.Date)] = true
		}
	}

	stock := make(map[int64]availability)
	var days []Day
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		day := Day{Date: d, Instructions: []Instruction{}}
		for _, r := range rules {
			if !due[dueKey(r.ID, d)] {
				continue
			}
			for _, slot := range Slots {
				n := r.Count(slot)
				if n <= 0 {
					continue
				}
				in := Instruction{
					RuleID:       r.ID,
					MedicineID:   r.MedicineID,
					MedicineName: r.MedicineName,
					Slot:         slot,
					TabletCount:  n,
					Date:         d,
					Status:       StatusPending,
				}
				if executed[OccurrenceKey(r.ID, slot, d)] {
					in.Status = StatusExecuted
				} else {
					av, err := a.availability(ctx, stock, r.MedicineID, today)
					if err != nil {
						return nil, err
					}
					in.SheetID, in.StockIssue = av.sheetID, av.issue
				}
				day.Instructions = append(day.Instructions, in)
			}
		}
		sortInstructions(day.Instructions)
		days = append(days, day)
	}

	span.SetAttributes(attribute.Int("rule_count", len(rules)))
	return days, nil
}

func dueKey(ruleID int64, d time.Time) string {
	return fmt.Sprintf("%d|%s", ruleID, d.Format(time.DateOnly))
}

type availability struct {
	sheetID *int64
	issue   string
}

// availability resolves the serving sheet once per medicine per request.
// Stock failures become an issue code; any other error aborts the listing.
func (a *Aggregator) availability(ctx context.Context, cache map[int64]availability, medicineID int64, today time.Time) (availability, error) {
	if av, ok := cache[medicineID]; ok {
		return av, nil
	}

	var av availability
	s, err := a.ledger.AvailableSheet(ctx, medicineID, today)
	switch {
	case err == nil:
		id := s.ID
		av.sheetID = &id
	case errors.Is(err, inventory.ErrExpiredStock):
		av.issue = IssueExpiredStock
	case errors.Is(err, inventory.ErrNoStock):
		av.issue = IssueNoStock
	case errors.Is(err, inventory.ErrInsufficientStock):
		av.issue = IssueInsufficientStock
	default:
		return av, fmt.Errorf("stock for medicine %d: %w", medicineID, err)
	}

	if av.issue != "" {
		a.logger.Debug("stock issue",
			zap.Int64("medicine_id", medicineID),
			zap.String("issue", av.issue))
	}
	cache[medicineID] = av
	return av, nil
}

func sortInstructions(list []Instruction) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.MedicineName != b.MedicineName {
			return a.MedicineName < b.MedicineName
		}
		if a.Slot != b.Slot {
			return a.Slot.Order() < b.Slot.Order()
		}
		return a.RuleID < b.RuleID
	})
}
