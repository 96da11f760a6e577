package httpapi

import (
	"net/http"
	"strings"

	"agentbank.org/internal/ledger"
)

type adjustRequest struct {
	// Delta is signed, in minor units.
	Delta          int64  `json:"delta"`
	CauseReference string `json:"cause_reference"`
}

func (a *API) createFloatAccount(w http.ResponseWriter, r *http.Request) {
	var spec ledger.FloatAccountSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.d.Floats.Create(r.Context(), spec)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/float-accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) listFloatAccounts(w http.ResponseWriter, r *http.Request) {
	items, err := a.d.Floats.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("branch_id")))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getFloatAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.d.Floats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) adjustFloat(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.d.Floats.AdjustBalance(r.Context(), r.PathValue("id"), req.Delta, req.CauseReference)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	code := http.StatusCreated
	if m.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, m)
}

func (a *API) floatMovements(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.d.Floats.Movements(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) floatMappings(w http.ResponseWriter, r *http.Request) {
	items, err := a.d.Floats.Mappings(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) floatStatement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime("from", q.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTime("to", q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st, err := a.d.Floats.Statement(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) deactivateFloat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.d.Floats.Deactivate(r.Context(), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	acc, err := a.d.Floats.Get(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
