package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusReport is the operator-facing view of this instance, served on the
// admin endpoint and useful for deciding whether a handover completed.
type StatusReport struct {
	PID               int      `json:"pid"`
	State             string   `json:"state"`
	ActiveConnections int      `json:"active_connections"`
	Services          []string `json:"services"`
}

// NewAdminHandler returns the admin surface: health, status, and metrics.
func NewAdminHandler(l log15.Logger, status func() StatusReport) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			l.Error("error writing status response", "err", err)
		}
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
