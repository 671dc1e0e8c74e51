package dosing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

// RuleInput carries the editable fields of a rule
type RuleInput struct {
	PrescriptionID      int64      `json:"prescriptionId"`
	MedicineID          int64      `json:"medicineId"`
	MorningCount        int        `json:"morningCount"`
	AfternoonCount      int        `json:"afternoonCount"`
	EveningCount        int        `json:"eveningCount"`
	RecurrenceType      string     `json:"recurrenceType"`
	RecurrenceInterval  *int       `json:"recurrenceInterval,omitempty"`
	RecurrenceDayOfWeek *int       `json:"recurrenceDayOfWeek,omitempty"`
	AnchorDate          *time.Time `json:"-"`
}

// rule builds and validates a rule anchored at the input's anchor or today
func (in RuleInput) rule(today time.Time) (Rule, error) {
	typ, err := recurrence.ParseType(in.RecurrenceType)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	// omitted means every day (or every week); an explicit value must be positive
	interval := 1
	if in.RecurrenceInterval != nil {
		interval = *in.RecurrenceInterval
	}
	anchor := today
	if in.AnchorDate != nil {
		anchor = *in.AnchorDate
	}

	r := Rule{
		PrescriptionID: in.PrescriptionID,
		MedicineID:     in.MedicineID,
		MorningCount:   in.MorningCount,
		AfternoonCount: in.AfternoonCount,
		EveningCount:   in.EveningCount,
		Schedule: recurrence.Schedule{
			Type:      typ,
			Interval:  interval,
			DayOfWeek: in.RecurrenceDayOfWeek,
			Anchor:    recurrence.Day(anchor),
		},
		IsActive: true,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// RuleService manages the lifecycle of dosing rules.
// Rules are never edited in place: an edit retires the old rule and starts a new one.
type RuleService struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRuleService creates a new rule service
func NewRuleService(store Store, logger *zap.Logger) *RuleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a rule, active or not
func (s *RuleService) Get(ctx context.Context, id int64) (Rule, error) {
	return s.store.GetRule(ctx, id)
}

// Create validates and stores a new rule
func (s *RuleService) Create(ctx context.Context, in RuleInput, today time.Time) (Rule, error) {
	r, err := in.rule(today)
	if err != nil {
		return Rule{}, err
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := s.insert(ctx, tx, &r); err != nil {
			return err
		}
		return s.writeRuleEvent(ctx, tx, EventRuleCreated, r, nil)
	})
	if err != nil {
		return Rule{}, err
	}

	s.logger.Info("rule created",
		zap.Int64("rule_id", r.ID),
		zap.Int64("prescription_id", r.PrescriptionID),
		zap.Int64("medicine_id", r.MedicineID))
	return r, nil
}

// Update retires rule id and creates its replacement, anchored at today unless
// the input names an anchor. Executions of the old rule stay attached to it.
func (s *RuleService) Update(ctx context.Context, id int64, in RuleInput, today time.Time) (Rule, error) {
	var next Rule
	err := s.store.WithTx(ctx, func(tx Tx) error {
		old, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if !old.IsActive {
			return fmt.Errorf("%w: rule %d is inactive", ErrNotFound, id)
		}

		in.PrescriptionID = old.PrescriptionID
		if in.MedicineID == 0 {
			in.MedicineID = old.MedicineID
		}
		next, err = in.rule(today)
		if err != nil {
			return err
		}
		if err := s.insert(ctx, tx, &next); err != nil {
			return err
		}
		if err := tx.DeactivateRule(ctx, old.ID, &next.ID); err != nil {
			return fmt.Errorf("deactivate rule %d: %w", old.ID, err)
		}
		if err := s.writeRuleEvent(ctx, tx, EventRuleSuperseded, old, &next.ID); err != nil {
			return err
		}
		return s.writeRuleEvent(ctx, tx, EventRuleCreated, next, nil)
	})
	if err != nil {
		return Rule{}, err
	}

	s.logger.Info("rule superseded",
		zap.Int64("rule_id", id),
		zap.Int64("superseded_by", next.ID))
	return next, nil
}

// Deactivate soft-deletes a rule. Deactivating an inactive rule is a no-op.
func (s *RuleService) Deactivate(ctx context.Context, id int64) error {
	changed := false
	err := s.store.WithTx(ctx, func(tx Tx) error {
		r, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if !r.IsActive {
			return nil
		}
		if err := tx.DeactivateRule(ctx, id, nil); err != nil {
			return fmt.Errorf("deactivate rule %d: %w", id, err)
		}
		changed = true
		return s.writeRuleEvent(ctx, tx, EventRuleDeactivated, r, nil)
	})
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("rule deactivated", zap.Int64("rule_id", id))
	}
	return nil
}

func (s *RuleService) insert(ctx context.Context, tx Tx, r *Rule) error {
	patientID, err := tx.PrescriptionPatient(ctx, r.PrescriptionID)
	if err != nil {
		return err
	}
	name, err := tx.MedicineName(ctx, r.MedicineID)
	if err != nil {
		return err
	}
	r.PatientID = patientID
	r.MedicineName = name
	r.CreatedAt = s.now()
	if err := tx.InsertRule(ctx, r); err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *RuleService) writeRuleEvent(ctx context.Context, tx Tx, typ EventType, r Rule, supersededBy *int64) error {
	evt, err := NewEvent(AggregateRule, r.ID, typ, RuleChangedData{
		RuleID:         r.ID,
		PrescriptionID: r.PrescriptionID,
		MedicineID:     r.MedicineID,
		SupersededBy:   supersededBy,
	})
	if err != nil {
		return err
	}
	return tx.WriteEvent(ctx, evt)
}
