// Package handlers provides HTTP handlers for the dosing API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/api/middleware"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/domain/recurrence"
)

const dateLayout = "2006-01-02"

// Recorder receives domain outcomes, typically to feed metrics
type Recorder interface {
	DoseExecuted(already bool)
	DoseReverted()
	StockFailure(reason string)
	Instructions(n int)
}

type nopRecorder struct{}

func (nopRecorder) DoseExecuted(bool)   {}
func (nopRecorder) DoseReverted()       {}
func (nopRecorder) StockFailure(string) {}
func (nopRecorder) Instructions(int)    {}

// Pinger reports backing store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the services and settings the handlers need
type Config struct {
	Aggregator *dosing.Aggregator
	Tracker    *dosing.Tracker
	Rules      *dosing.RuleService
	Ledger     *inventory.Ledger
	Pinger     Pinger
	Recorder   Recorder
	// Location decides which calendar day "today" is
	Location *time.Location
	Logger   *zap.Logger
}

// Handler serves the dosing API
type Handler struct {
	aggregator *dosing.Aggregator
	tracker    *dosing.Tracker
	rules      *dosing.RuleService
	ledger     *inventory.Ledger
	pinger     Pinger
	recorder   Recorder
	loc        *time.Location
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a new handler
func New(cfg Config) *Handler {
	h := &Handler{
		aggregator: cfg.Aggregator,
		tracker:    cfg.Tracker,
		rules:      cfg.Rules,
		ledger:     cfg.Ledger,
		pinger:     cfg.Pinger,
		recorder:   cfg.Recorder,
		loc:        cfg.Location,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if h.loc == nil {
		h.loc = time.UTC
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// WithClock replaces the wall clock
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Routes returns the /api/v1 routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/instructions", h.Instructions)
	r.Get("/instructions/calendar", h.Calendar)

	r.Post("/executions", h.MarkExecuted)
	r.Delete("/executions", h.UnmarkExecuted)

	r.Post("/sheets", h.AddSheet)
	r.Patch("/sheets/{id}", h.PatchSheet)
	r.Get("/medicines/{id}/sheets", h.ListSheets)
	r.Get("/medicines/{id}/available-sheet", h.AvailableSheet)

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.CreateRule)
		r.Get("/{id}", h.GetRule)
		r.Put("/{id}", h.UpdateRule)
		r.Delete("/{id}", h.DeactivateRule)
	})
	return r
}

// today is the current calendar day in the configured location, as UTC midnight
func (h *Handler) today() time.Time {
	y, m, d := h.now().In(h.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func parseDate(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
}

// errorCode maps a domain error onto its wire code and status
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, dosing.ErrInvalidRule), errors.Is(err, recurrence.ErrInvalidSchedule):
		return "invalid_rule", http.StatusBadRequest
	case errors.Is(err, dosing.ErrInvalidRange):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return "invalid_quantity", http.StatusBadRequest
	case errors.Is(err, inventory.ErrNoStock):
		return "no_stock", http.StatusConflict
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock", http.StatusConflict
	case errors.Is(err, inventory.ErrExpiredStock):
		return "expired_stock", http.StatusConflict
	case errors.Is(err, inventory.ErrInvalidSheetState):
		return "invalid_sheet_state", http.StatusConflict
	case errors.Is(err, inventory.ErrSheetInUseConflict):
		return "sheet_in_use_conflict", http.StatusConflict
	case errors.Is(err, dosing.ErrNotFound):
		return "not_found", http.StatusNotFound
	}
	return "internal", http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := errorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
