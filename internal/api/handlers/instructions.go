package handlers

import (
	"net/http"

	"github.com/drfirst/go-dose/internal/domain/dosing"
)

// Instructions handles GET /instructions?patientId&date
func (h *Handler) Instructions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patientID, err := parseID("patientId", q.Get("patientId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	date, err := parseDate("date", q.Get("date"))
	if err != nil {
		badRequest(w, err)
		return
	}

	list, err := h.aggregator.InstructionsFor(r.Context(), patientID, date, h.today())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []dosing.Instruction{}
	}
	h.recorder.Instructions(len(list))
	writeJSON(w, http.StatusOK, list)
}

// DayResponse is one calendar day
type DayResponse struct {
	Date         string               `json:"date"`
	Instructions []dosing.Instruction `json:"instructions"`
}

// Calendar handles GET /instructions/calendar?patientId&from&to
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patientID, err := parseID("patientId", q.Get("patientId"))
	if err != nil {
		badRequest(w, err)
		return
	}
	from, err := parseDate("from", q.Get("from"))
	if err != nil {
		badRequest(w, err)
		return
	}
	to, err := parseDate("to", q.Get("to"))
	if err != nil {
		badRequest(w, err)
		return
	}

	days, err := h.aggregator.Calendar(r.Context(), patientID, from, to, h.today())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]DayResponse, 0, len(days))
	total := 0
	for _, d := range days {
		list := d.Instructions
		if list == nil {
			list = []dosing.Instruction{}
		}
		total += len(list)
		resp = append(resp, DayResponse{Date: formatDate(d.Date), Instructions: list})
	}
	h.recorder.Instructions(total)
	writeJSON(w, http.StatusOK, resp)
}
