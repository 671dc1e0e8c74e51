package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dose/internal/api/handlers"
	"github.com/drfirst/go-dose/internal/domain/dosing"
	"github.com/drfirst/go-dose/internal/domain/inventory"
	"github.com/drfirst/go-dose/internal/infrastructure/memory"
)

const apiKey = "test-key"

var (
	clock = time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC)
	today = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

type recorder struct {
	executed, already, reverted int
	stock                       map[string]int
}

func (r *recorder) DoseExecuted(already bool) {
	if already {
		r.already++
		return
	}
	r.executed++
}
func (r *recorder) DoseReverted()              { r.reverted++ }
func (r *recorder) StockFailure(reason string) { r.stock[reason]++ }
func (r *recorder) Instructions(int)           {}

type api struct {
	t       *testing.T
	store   *memory.Store
	rec     *recorder
	server  http.Handler
	med     int64
	presc   int64
	patient int64
}

func newAPI(t *testing.T) *api {
	t.Helper()
	store := memory.NewStore()
	ledger := inventory.NewLedger(store, nil)
	rec := &recorder{stock: map[string]int{}}

	h := handlers.New(handlers.Config{
		Aggregator: dosing.NewAggregator(store, ledger, nil),
		Tracker:    dosing.NewTracker(store, ledger, nil),
		Rules:      dosing.NewRuleService(store, nil),
		Ledger:     ledger,
		Pinger:     store,
		Recorder:   rec,
	}).WithClock(func() time.Time { return clock })

	a := &api{
		t:       t,
		store:   store,
		rec:     rec,
		server:  handlers.NewRouter(h, handlers.RouterOptions{ServiceName: "dosing-api-test", APIKeys: map[string]string{apiKey: "tests"}}),
		patient: 42,
	}
	a.med = store.CreateMedicine("Metformin", 10)
	a.presc = store.CreatePrescription(a.patient)
	return a
}

func (a *api) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", apiKey)
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	return rec
}

func (a *api) decode(rec *httptest.ResponseRecorder, v any) {
	a.t.Helper()
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (a *api) createRule(body map[string]any) handlers.RuleResponse {
	a.t.Helper()
	body["prescriptionId"] = a.presc
	if _, ok := body["medicineId"]; !ok {
		body["medicineId"] = a.med
	}
	rec := a.do(http.MethodPost, "/api/v1/rules", body)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var r handlers.RuleResponse
	a.decode(rec, &r)
	return r
}

func (a *api) addSheet(expiry string) handlers.SheetResponse {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/sheets", map[string]any{"medicineId": a.med, "expiryDate": expiry})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var s handlers.SheetResponse
	a.decode(rec, &s)
	return s
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error
}

func TestHealthAndAuth(t *testing.T) {
	a := newAPI(t)

	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecutionFlow(t *testing.T) {
	a := newAPI(t)
	sheet := a.addSheet("2024-08-01")
	assert.Equal(t, 10, sheet.Remaining)
	assert.Equal(t, "2024-08-01", sheet.ExpiryDate)

	rule := a.createRule(map[string]any{"morningCount": 2, "eveningCount": 1, "recurrenceType": "daily"})
	assert.Equal(t, "2024-02-01", rule.AnchorDate)
	assert.Equal(t, "Metformin", rule.MedicineName)

	path := fmt.Sprintf("/api/v1/instructions?patientId=%d&date=2024-02-01", a.patient)
	rec := a.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []dosing.Instruction
	a.decode(rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, dosing.SlotMorning, list[0].Slot)
	assert.Equal(t, dosing.StatusPending, list[0].Status)

	exec := map[string]any{"ruleId": rule.ID, "slot": "morning", "date": "2024-02-01"}
	rec = a.do(http.MethodPost, "/api/v1/executions", exec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first handlers.ExecutionResponse
	a.decode(rec, &first)
	assert.Equal(t, "ok", first.Status)
	assert.False(t, first.AlreadyExecuted)
	assert.Equal(t, 2, first.Tablets)

	rec = a.do(http.MethodPost, "/api/v1/executions", exec)
	require.Equal(t, http.StatusOK, rec.Code)
	var second handlers.ExecutionResponse
	a.decode(rec, &second)
	assert.True(t, second.AlreadyExecuted)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/v1/medicines/%d/sheets", a.med), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stock handlers.StockResponse
	a.decode(rec, &stock)
	assert.Equal(t, 8, stock.RemainingTablets)
	require.NotNil(t, stock.ActiveSheetID)
	assert.Equal(t, sheet.ID, *stock.ActiveSheetID)

	rec = a.do(http.MethodGet, path, nil)
	a.decode(rec, &list)
	assert.Equal(t, dosing.StatusExecuted, list[0].Status)
	assert.Equal(t, dosing.StatusPending, list[1].Status)

	rec = a.do(http.MethodDelete, "/api/v1/executions", exec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/v1/medicines/%d/sheets", a.med), nil)
	a.decode(rec, &stock)
	assert.Equal(t, 10, stock.RemainingTablets)

	assert.Equal(t, 1, a.rec.executed)
	assert.Equal(t, 1, a.rec.already)
	assert.Equal(t, 1, a.rec.reverted)
}

func TestExecutionErrors(t *testing.T) {
	a := newAPI(t)
	rule := a.createRule(map[string]any{"morningCount": 3, "recurrenceType": "daily"})

	rec := a.do(http.MethodPost, "/api/v1/executions", map[string]any{"ruleId": rule.ID, "slot": "morning", "date": "2024-02-01"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_stock", errorCode(t, rec))
	assert.Equal(t, 1, a.rec.stock["no_stock"])

	a.store.SeedSheet(a.med, 9, today.AddDate(0, 1, 0), true)
	rec = a.do(http.MethodPost, "/api/v1/executions", map[string]any{"ruleId": rule.ID, "slot": "morning", "date": "2024-02-01"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", errorCode(t, rec))

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"bad slot", map[string]any{"ruleId": rule.ID, "slot": "night", "date": "2024-02-01"}, http.StatusBadRequest, "invalid_request"},
		{"bad date", map[string]any{"ruleId": rule.ID, "slot": "morning", "date": "01/02/2024"}, http.StatusBadRequest, "invalid_request"},
		{"zero count slot", map[string]any{"ruleId": rule.ID, "slot": "evening", "date": "2024-02-01"}, http.StatusNotFound, "not_found"},
		{"unknown rule", map[string]any{"ruleId": 999, "slot": "morning", "date": "2024-02-01"}, http.StatusNotFound, "not_found"},
		{"unknown field", map[string]any{"ruleId": rule.ID, "slot": "morning", "date": "2024-02-01", "extra": 1}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/api/v1/executions", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestSheetEndpoints(t *testing.T) {
	a := newAPI(t)
	first := a.addSheet("2024-05-01")
	second := a.addSheet("2024-06-01")

	rec := a.do(http.MethodGet, fmt.Sprintf("/api/v1/medicines/%d/available-sheet", a.med), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var avail handlers.SheetResponse
	a.decode(rec, &avail)
	assert.Equal(t, first.ID, avail.ID)

	rec = a.do(http.MethodPatch, fmt.Sprintf("/api/v1/sheets/%d", second.ID), map[string]any{"isInUse": true, "consumedTablets": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var patched handlers.SheetResponse
	a.decode(rec, &patched)
	assert.True(t, patched.IsInUse)
	assert.Equal(t, 6, patched.Remaining)

	rec = a.do(http.MethodPatch, fmt.Sprintf("/api/v1/sheets/%d", first.ID), map[string]any{"isInUse": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "sheet_in_use_conflict", errorCode(t, rec))

	rec = a.do(http.MethodPatch, fmt.Sprintf("/api/v1/sheets/%d", first.ID), map[string]any{"consumedTablets": 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_quantity", errorCode(t, rec))

	rec = a.do(http.MethodPatch, fmt.Sprintf("/api/v1/sheets/%d", first.ID), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPatch, "/api/v1/sheets/999", map[string]any{"consumedTablets": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/sheets", map[string]any{"medicineId": 999, "expiryDate": "2024-06-01"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleEndpoints(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"prescriptionId": a.presc, "medicineId": a.med, "recurrenceType": "weekly", "morningCount": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_rule", errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/v1/rules", map[string]any{
		"prescriptionId": a.presc, "medicineId": a.med, "recurrenceType": "interval", "recurrenceInterval": 0, "morningCount": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_rule", errorCode(t, rec))

	daily := a.createRule(map[string]any{"morningCount": 1, "recurrenceType": "daily"})
	assert.Equal(t, 1, daily.RecurrenceInterval)

	rule := a.createRule(map[string]any{
		"morningCount": 1, "recurrenceType": "weekly", "recurrenceDayOfWeek": 5, "anchorDate": "2024-01-29",
	})
	assert.Equal(t, "2024-01-29", rule.AnchorDate)
	require.NotNil(t, rule.RecurrenceDayOfWeek)
	assert.Equal(t, 5, *rule.RecurrenceDayOfWeek)

	rec = a.do(http.MethodPut, fmt.Sprintf("/api/v1/rules/%d", rule.ID), map[string]any{
		"afternoonCount": 2, "recurrenceType": "interval", "recurrenceInterval": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var next handlers.RuleResponse
	a.decode(rec, &next)
	assert.NotEqual(t, rule.ID, next.ID)
	assert.Equal(t, "2024-02-01", next.AnchorDate)

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", rule.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var old handlers.RuleResponse
	a.decode(rec, &old)
	assert.False(t, old.IsActive)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, next.ID, *old.SupersededBy)

	rec = a.do(http.MethodDelete, fmt.Sprintf("/api/v1/rules/%d", next.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do(http.MethodDelete, fmt.Sprintf("/api/v1/rules/%d", next.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/rules/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalendar(t *testing.T) {
	a := newAPI(t)
	a.addSheet("2024-08-01")
	a.createRule(map[string]any{"eveningCount": 1, "recurrenceType": "interval", "recurrenceInterval": 2})

	rec := a.do(http.MethodGet, fmt.Sprintf("/api/v1/instructions/calendar?patientId=%d&from=2024-02-01&to=2024-02-04", a.patient), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var days []handlers.DayResponse
	a.decode(rec, &days)
	require.Len(t, days, 4)
	assert.Equal(t, "2024-02-01", days[0].Date)
	assert.Len(t, days[0].Instructions, 1)
	assert.Empty(t, days[1].Instructions)
	assert.Len(t, days[2].Instructions, 1)

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/v1/instructions/calendar?patientId=%d&from=2024-02-04&to=2024-02-01", a.patient), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rec = a.do(http.MethodGet, "/api/v1/instructions?patientId=x&date=2024-02-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
