package httpapi

import (
	"net/http"
	"strings"

	"agentbank.org/internal/auth"
	"agentbank.org/internal/ledger"
)

func (a *API) processTransaction(w http.ResponseWriter, r *http.Request) {
	var ev ledger.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ev.Actor = auth.ActorID(r.Context(), ev.Actor)
	if ev.BranchID == "" {
		if actor, ok := auth.ActorFromContext(r.Context()); ok {
			ev.BranchID = actor.BranchID
		}
	}

	res, err := a.d.Processor.Process(r.Context(), ev)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	code := http.StatusCreated
	if allReplayed(res.Movements) && len(res.Movements) > 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func allReplayed(ms []ledger.FloatMovement) bool {
	for _, m := range ms {
		if !m.Replayed {
			return false
		}
	}
	return true
}

func (a *API) reverseServiceTransaction(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.d.Processor.Reverse(r.Context(), r.PathValue("module"), r.PathValue("sourceID"),
		auth.ActorID(r.Context(), req.Actor), req.Reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) postJournal(w http.ResponseWriter, r *http.Request) {
	var req ledger.PostingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SourceModule) == "" {
		req.SourceModule = ledger.ModuleManual
	}
	req.Actor = auth.ActorID(r.Context(), req.Actor)

	res, err := a.d.Coordinator.PostTransaction(r.Context(), req)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	w.Header().Set("Location", "/v1/journal/transactions/"+res.JournalTransactionID)
	writeJSON(w, code, res)
}

func (a *API) getJournal(w http.ResponseWriter, r *http.Request) {
	tx, err := a.d.Coordinator.Journal(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) reverseJournal(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rev, err := a.d.Coordinator.Reverse(r.Context(), r.PathValue("id"), auth.ActorID(r.Context(), req.Actor), req.Reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}
