package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-dose/internal/domain/dosing"
)

// RuleRequest is the body of POST /rules and PUT /rules/{id}
type RuleRequest struct {
	dosing.RuleInput
	// AnchorDate defaults to today
	AnchorDate string `json:"anchorDate,omitempty"`
}

func (req RuleRequest) input() (dosing.RuleInput, error) {
	in := req.RuleInput
	if req.AnchorDate != "" {
		anchor, err := parseDate("anchorDate", req.AnchorDate)
		if err != nil {
			return in, err
		}
		in.AnchorDate = &anchor
	}
	return in, nil
}

// RuleResponse is the wire form of a rule
type RuleResponse struct {
	ID                  int64     `json:"id"`
	PrescriptionID      int64     `json:"prescriptionId"`
	PatientID           int64     `json:"patientId"`
	MedicineID          int64     `json:"medicineId"`
	MedicineName        string    `json:"medicineName"`
	MorningCount        int       `json:"morningCount"`
	AfternoonCount      int       `json:"afternoonCount"`
	EveningCount        int       `json:"eveningCount"`
	RecurrenceType      string    `json:"recurrenceType"`
	RecurrenceInterval  int       `json:"recurrenceInterval"`
	RecurrenceDayOfWeek *int      `json:"recurrenceDayOfWeek,omitempty"`
	AnchorDate          string    `json:"anchorDate"`
	IsActive            bool      `json:"isActive"`
	SupersededBy        *int64    `json:"supersededBy,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

func ruleResponse(r dosing.Rule) RuleResponse {
	return RuleResponse{
		ID:                  r.ID,
		PrescriptionID:      r.PrescriptionID,
		PatientID:           r.PatientID,
		MedicineID:          r.MedicineID,
		MedicineName:        r.MedicineName,
		MorningCount:        r.MorningCount,
		AfternoonCount:      r.AfternoonCount,
		EveningCount:        r.EveningCount,
		RecurrenceType:      string(r.Schedule.Type),
		RecurrenceInterval:  r.Schedule.Interval,
		RecurrenceDayOfWeek: r.Schedule.DayOfWeek,
		AnchorDate:          formatDate(r.Schedule.Anchor),
		IsActive:            r.IsActive,
		SupersededBy:        r.SupersededBy,
		CreatedAt:           r.CreatedAt,
	}
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		badRequest(w, err)
		return
	}

	rule, err := h.rules.Create(r.Context(), in, h.today())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ruleResponse(rule))
}

// GetRule handles GET /rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return
	}
	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

// UpdateRule handles PUT /rules/{id}. The response is the replacement rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var req RuleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		badRequest(w, err)
		return
	}

	rule, err := h.rules.Update(r.Context(), id, in, h.today())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse(rule))
}

// DeactivateRule handles DELETE /rules/{id}
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := h.rules.Deactivate(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
