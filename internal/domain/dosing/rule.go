// Package dosing turns prescription rules into daily dosing instructions and
// records administered doses exactly once.
package dosing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

var (
	ErrInvalidRule  = errors.New("invalid rule")
	ErrInvalidRange = errors.New("invalid date range")
	// ErrNotFound is shared with the inventory package so callers match one sentinel
	ErrNotFound = inventory.ErrNotFound
)

// Slot is a time of day at which tablets are due
type Slot string

const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotEvening   Slot = "evening"
)

// Slots lists the slots in presentation order
var Slots = []Slot{SlotMorning, SlotAfternoon, SlotEvening}

// ParseSlot converts a wire value into a Slot
func ParseSlot(s string) (Slot, error) {
	switch slot := Slot(strings.ToLower(strings.TrimSpace(s))); slot {
	case SlotMorning, SlotAfternoon, SlotEvening:
		return slot, nil
	}
	return "", fmt.Errorf("unknown slot %q", s)
}

// Order is the slot's position within a day
func (s Slot) Order() int {
	for i, slot := range Slots {
		if slot == s {
			return i
		}
	}
	return len(Slots)
}

// Rule is a prescription-medicine dosing rule
type Rule struct {
	ID             int64               `json:"id"`
	PrescriptionID int64               `json:"prescriptionId"`
	PatientID      int64               `json:"patientId"`
	MedicineID     int64               `json:"medicineId"`
	MedicineName   string              `json:"medicineName"`
	MorningCount   int                 `json:"morningCount"`
	AfternoonCount int                 `json:"afternoonCount"`
	EveningCount   int                 `json:"eveningCount"`
	Schedule       recurrence.Schedule `json:"recurrence"`
	IsActive       bool                `json:"isActive"`
	SupersededBy   *int64              `json:"supersededBy,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// Count returns the tablets due in slot
func (r Rule) Count(slot Slot) int {
	switch slot {
	case SlotMorning:
		return r.MorningCount
	case SlotAfternoon:
		return r.AfternoonCount
	case SlotEvening:
		return r.EveningCount
	}
	return 0
}

// Validate checks slot counts and the recurrence schedule
func (r Rule) Validate() error {
	if r.MorningCount < 0 || r.AfternoonCount < 0 || r.EveningCount < 0 {
		return fmt.Errorf("%w: slot counts must not be negative", ErrInvalidRule)
	}
	if r.MorningCount+r.AfternoonCount+r.EveningCount == 0 {
		return fmt.Errorf("%w: at least one slot count must be positive", ErrInvalidRule)
	}
	if err := r.Schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}

// Execution records that one occurrence was administered
type Execution struct {
	ID         uuid.UUID        `json:"id"`
	RuleID     int64            `json:"ruleId"`
	Slot       Slot             `json:"slot"`
	Date       time.Time        `json:"date"`
	MedicineID int64            `json:"medicineId"`
	Tablets    int              `json:"tablets"`
	Draws      []inventory.Draw `json:"draws,omitempty"`
	ExecutedAt time.Time        `json:"executedAt"`
}

// OccurrenceKey is the natural key of an occurrence in string form
func OccurrenceKey(ruleID int64, slot Slot, date time.Time) string {
	return fmt.Sprintf("%d|%s|%s", ruleID, slot, recurrence.Day(date).Format(time.DateOnly))
}
