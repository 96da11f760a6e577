package httpapi

import (
	"errors"
	"net/http"

	"agentbank.org/internal/ledger"
)

type accountRequest struct {
	Code string             `json:"code"`
	Name string             `json:"name"`
	Type ledger.AccountType `json:"type"`
}

type mappingRequest struct {
	BranchID       string      `json:"branch_id"`
	FloatAccountID string      `json:"float_account_id"`
	Role           ledger.Role `json:"role"`
	AccountCode    string      `json:"account_code"`
}

func (a *API) createGLAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.d.Registry.Provision(r.Context(), ledger.Account{Code: req.Code, Name: req.Name, Type: req.Type})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) listGLAccounts(w http.ResponseWriter, r *http.Request) {
	items, err := a.d.Registry.List(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) putMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.d.Floats.PutMapping(r.Context(), ledger.Mapping{
		BranchID:       req.BranchID,
		FloatAccountID: req.FloatAccountID,
		Role:           req.Role,
		AccountCode:    req.AccountCode,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// trialBalance reports the balance sheet check. An integrity violation is
// still a successful answer: the report says balanced=false.
func (a *API) trialBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseTime("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tb, err := a.d.Checker.Run(r.Context(), asOf)
	if err != nil && !errors.Is(err, ledger.ErrIntegrityViolation) {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tb)
}
