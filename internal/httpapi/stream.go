package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const keepAlive = 25 * time.Second

// streamAlerts serves float and integrity alerts as Server-Sent Events,
// optionally filtered by ?branch_id.
func (a *API) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if a.d.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	branch := strings.TrimSpace(r.URL.Query().Get("branch_id"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.d.Stream.Subscribe(r.Context())
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if branch != "" && msg.BranchID != "" && msg.BranchID != branch {
				continue
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + msg.Kind + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
