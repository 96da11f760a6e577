// Package httpapi exposes the ledger to producers over JSON/HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"agentbank.org/internal/auth"
	"agentbank.org/internal/ledger"
	"agentbank.org/internal/notify"
	"agentbank.org/internal/obs"
	"agentbank.org/internal/processor"
)

const serviceName = "agentbankd"

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Processor   *processor.Processor
	Coordinator *ledger.Coordinator
	Floats      *ledger.FloatAccounts
	Registry    *ledger.Registry
	Checker     *ledger.Checker
	Stream      *notify.Stream

	// Verifier enables bearer authentication. When nil the X-Actor header
	// names the caller.
	Verifier *auth.Verifier
	// Ready reports whether dependencies answer; nil means always ready.
	Ready func(ctx context.Context) error

	Version    string
	Logger     *zap.Logger
	RateBurst  int
	RatePerSec int
}

// API is the HTTP layer.
type API struct {
	d   Deps
	mux *http.ServeMux
	log *zap.Logger
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = obs.Logger()
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 60
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 30
	}
	a := &API{d: d, mux: http.NewServeMux(), log: d.Logger}

	a.mux.HandleFunc("GET /healthz", a.healthz)
	a.mux.HandleFunc("GET /readyz", a.readyz)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /v1/stream/alerts", a.streamAlerts)

	a.mux.HandleFunc("POST /v1/service-transactions", a.processTransaction)
	a.mux.HandleFunc("POST /v1/service-transactions/{module}/{sourceID}/reversal", a.reverseServiceTransaction)

	a.mux.HandleFunc("POST /v1/journal/transactions", a.postJournal)
	a.mux.HandleFunc("GET /v1/journal/transactions/{id}", a.getJournal)
	a.mux.HandleFunc("POST /v1/journal/transactions/{id}/reversal", a.reverseJournal)

	a.mux.HandleFunc("POST /v1/float-accounts", a.createFloatAccount)
	a.mux.HandleFunc("GET /v1/float-accounts", a.listFloatAccounts)
	a.mux.HandleFunc("GET /v1/float-accounts/{id}", a.getFloatAccount)
	a.mux.HandleFunc("POST /v1/float-accounts/{id}/adjustments", a.adjustFloat)
	a.mux.HandleFunc("GET /v1/float-accounts/{id}/movements", a.floatMovements)
	a.mux.HandleFunc("GET /v1/float-accounts/{id}/mappings", a.floatMappings)
	a.mux.HandleFunc("GET /v1/float-accounts/{id}/statement", a.floatStatement)
	a.mux.HandleFunc("POST /v1/float-accounts/{id}/deactivate", a.deactivateFloat)

	a.mux.HandleFunc("POST /v1/gl/accounts", a.createGLAccount)
	a.mux.HandleFunc("GET /v1/gl/accounts", a.listGLAccounts)
	a.mux.HandleFunc("PUT /v1/gl/mappings", a.putMapping)
	a.mux.HandleFunc("GET /v1/gl/trial-balance", a.trialBalance)

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withActor(h)
	h = RateLimit(h, a.d.RateBurst, a.d.RatePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = AccessLog(a.log, h)
	h = Recover(a.log, h)
	return RequestID(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.d.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if a.d.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.d.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
