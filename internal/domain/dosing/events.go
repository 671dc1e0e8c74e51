package dosing

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-dose/internal/domain/inventory"
)

// EventType represents the type of domain event
type EventType string

const (
	EventDoseExecuted    EventType = "DoseExecuted"
	EventDoseReverted    EventType = "DoseReverted"
	EventSheetExhausted  EventType = "SheetExhausted"
	EventRuleCreated     EventType = "RuleCreated"
	EventRuleSuperseded  EventType = "RuleSuperseded"
	EventRuleDeactivated EventType = "RuleDeactivated"
)

// Aggregate types carried on events
const (
	AggregateRule     = "Rule"
	AggregateMedicine = "Medicine"
)

// Event is a domain event written to the outbox in the same transaction
// as the state change it describes
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType string, aggregateID int64, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// DoseExecutedData describes an administered dose
type DoseExecutedData struct {
	RuleID     int64            `json:"rule_id"`
	PatientID  int64            `json:"patient_id"`
	MedicineID int64            `json:"medicine_id"`
	Slot       Slot             `json:"slot"`
	DoseDate   string           `json:"dose_date"`
	Tablets    int              `json:"tablets"`
	Draws      []inventory.Draw `json:"draws"`
}

// SheetExhaustedData is emitted when a dose consumes the last tablet of a sheet
type SheetExhaustedData struct {
	MedicineID   int64  `json:"medicine_id"`
	MedicineName string `json:"medicine_name,omitempty"`
	SheetID      int64  `json:"sheet_id"`
	// RemainingTablets counts usable tablets left across all sheets
	RemainingTablets int `json:"remaining_tablets"`
}

// RuleChangedData is carried by rule lifecycle events
type RuleChangedData struct {
	RuleID         int64  `json:"rule_id"`
	PrescriptionID int64  `json:"prescription_id"`
	MedicineID     int64  `json:"medicine_id"`
	SupersededBy   *int64 `json:"superseded_by,omitempty"`
}

// WithCorrelation sets the correlation id, the occurrence key for dose events
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
