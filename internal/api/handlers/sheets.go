package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-dose/internal/domain/inventory"
)

// SheetResponse is the wire form of a sheet
type SheetResponse struct {
	ID              int64  `json:"id"`
	MedicineID      int64  `json:"medicineId"`
	TabletsPerSheet int    `json:"tabletsPerSheet"`
	ConsumedTablets int    `json:"consumedTablets"`
	Remaining       int    `json:"remainingTablets"`
	ExpiryDate      string `json:"expiryDate"`
	IsInUse         bool   `json:"isInUse"`
}

func sheetResponse(s inventory.Sheet) SheetResponse {
	return SheetResponse{
		ID:              s.ID,
		MedicineID:      s.MedicineID,
		TabletsPerSheet: s.TabletsPerSheet,
		ConsumedTablets: s.ConsumedTablets,
		Remaining:       s.Remaining(),
		ExpiryDate:      formatDate(s.ExpiryDate),
		IsInUse:         s.IsInUse,
	}
}

// AddSheetRequest is the body of POST /sheets
type AddSheetRequest struct {
	MedicineID int64  `json:"medicineId"`
	ExpiryDate string `json:"expiryDate"`
}

// AddSheet handles POST /sheets
func (h *Handler) AddSheet(w http.ResponseWriter, r *http.Request) {
	var req AddSheetRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.MedicineID <= 0 {
		badRequest(w, errors.New("medicineId must be a positive integer"))
		return
	}
	expiry, err := parseDate("expiryDate", req.ExpiryDate)
	if err != nil {
		badRequest(w, err)
		return
	}

	sheet, err := h.ledger.AddSheet(r.Context(), req.MedicineID, expiry)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sheetResponse(sheet))
}

// PatchSheetRequest is the body of PATCH /sheets/{id}
type PatchSheetRequest struct {
	ConsumedTablets *int  `json:"consumedTablets"`
	IsInUse         *bool `json:"isInUse"`
}

// PatchSheet handles PATCH /sheets/{id}
func (h *Handler) PatchSheet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return
	}
	var req PatchSheetRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.ConsumedTablets == nil && req.IsInUse == nil {
		badRequest(w, errors.New("nothing to update"))
		return
	}

	sheet, err := h.ledger.PatchSheet(r.Context(), id, inventory.SheetPatch{
		ConsumedTablets: req.ConsumedTablets,
		IsInUse:         req.IsInUse,
	}, h.today())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheetResponse(sheet))
}

// StockResponse lists a medicine's sheets
type StockResponse struct {
	MedicineID       int64           `json:"medicineId"`
	MedicineName     string          `json:"medicineName"`
	TabletsPerSheet  int             `json:"tabletsPerSheet"`
	ActiveSheetID    *int64          `json:"activeSheetId"`
	RemainingTablets int             `json:"remainingTablets"`
	Sheets           []SheetResponse `json:"sheets"`
}

// ListSheets handles GET /medicines/{id}/sheets
func (h *Handler) ListSheets(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return
	}

	st, err := h.ledger.ListSheets(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := StockResponse{
		MedicineID:       st.MedicineID,
		MedicineName:     st.MedicineName,
		TabletsPerSheet:  st.TabletsPerSheet,
		ActiveSheetID:    st.ActiveSheetID,
		RemainingTablets: st.RemainingTablets(h.today()),
		Sheets:           make([]SheetResponse, 0, len(st.Sheets)),
	}
	for _, s := range st.Sheets {
		resp.Sheets = append(resp.Sheets, sheetResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AvailableSheet handles GET /medicines/{id}/available-sheet
func (h *Handler) AvailableSheet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, err)
		return
	}

	sheet, err := h.ledger.AvailableSheet(r.Context(), id, h.today())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sheetResponse(sheet))
}
