package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/api/middleware"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/inventory"
)

// ExecutionRequest identifies one dose occurrence
type ExecutionRequest struct {
	RuleID int64  `json:"ruleId"`
	Slot   string `json:"slot"`
	Date   string `json:"date"`
}

func (h *Handler) occurrence(w http.ResponseWriter, r *http.Request) (ExecutionRequest, dosing.Slot, bool) {
	var req ExecutionRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return req, "", false
	}
	if req.RuleID <= 0 {
		badRequest(w, errors.New("ruleId must be a positive integer"))
		return req, "", false
	}
	slot, err := dosing.ParseSlot(req.Slot)
	if err != nil {
		badRequest(w, err)
		return req, "", false
	}
	return req, slot, true
}

// ExecutionResponse is returned by POST /executions
type ExecutionResponse struct {
	Status          string `json:"status"`
	AlreadyExecuted bool   `json:"alreadyExecuted"`
	ExecutionID     string `json:"executionId"`
	Tablets         int    `json:"tablets"`
	// Draws lists the sheets the tablets were taken from
	Draws []inventory.Draw `json:"draws,omitempty"`
}

// MarkExecuted handles POST /executions
func (h *Handler) MarkExecuted(w http.ResponseWriter, r *http.Request) {
	req, slot, ok := h.occurrence(w, r)
	if !ok {
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		badRequest(w, err)
		return
	}

	res, err := h.tracker.MarkExecuted(r.Context(), req.RuleID, slot, date, h.today())
	if err != nil {
		if code, _ := errorCode(err); isStockCode(code) {
			h.recorder.StockFailure(code)
		}
		h.writeError(w, r, err)
		return
	}
	h.recorder.DoseExecuted(res.AlreadyExecuted)

	h.logger.Debug("execution request served",
		zap.Int64("rule_id", req.RuleID),
		zap.String("slot", string(slot)),
		zap.String("date", req.Date),
		zap.Bool("already_executed", res.AlreadyExecuted),
		zap.String("request_id", middleware.GetRequestID(r.Context())))

	writeJSON(w, http.StatusOK, ExecutionResponse{
		Status:          "ok",
		AlreadyExecuted: res.AlreadyExecuted,
		ExecutionID:     res.Execution.ID.String(),
		Tablets:         res.Execution.Tablets,
		Draws:           res.Execution.Draws,
	})
}

// UnmarkExecuted handles DELETE /executions
func (h *Handler) UnmarkExecuted(w http.ResponseWriter, r *http.Request) {
	req, slot, ok := h.occurrence(w, r)
	if !ok {
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		badRequest(w, err)
		return
	}

	if _, err := h.tracker.UnmarkExecuted(r.Context(), req.RuleID, slot, date); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.recorder.DoseReverted()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isStockCode(code string) bool {
	switch code {
	case "no_stock", "insufficient_stock", "expired_stock":
		return true
	}
	return false
}
