package app

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vk/permitgrid/internal/clarify"
	"github.com/vk/permitgrid/internal/events"
	"github.com/vk/permitgrid/internal/session"
)

// startServer exposes the session's HTTP surface: liveness, the event
// stream, the clarification answer endpoint, and Prometheus metrics.
func (a *App) startServer(addr string, sess *session.Session) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.healthHandler)
	mux.Handle("/events", events.SSEHandler(sess.Events()))
	mux.HandleFunc("/clarifications", a.clarificationsHandler(sess))
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		a.logger.Info("HTTP surface starting.", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP surface failed.", "error", err)
		}
	}()
	return srv
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// clarificationsHandler accepts the answer set for the outstanding batch.
// GET returns the open batch so a caller can discover what is being asked.
func (a *App) clarificationsHandler(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl := sess.Clarifications()
		switch r.Method {
		case http.MethodGet:
			batch := ctrl.Outstanding()
			if batch == nil {
				http.Error(w, "no clarification batch is outstanding", http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(batch)
		case http.MethodPost:
			var set clarify.AnswerSet
			if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
				http.Error(w, fmt.Sprintf("malformed answer set: %v", err), http.StatusBadRequest)
				return
			}
			if err := ctrl.Submit(set); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			a.logger.Info("Clarification answers accepted.", "batch_id", set.BatchID)
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}
