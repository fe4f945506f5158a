package events

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vk/permitgrid/internal/ctxlog"
)

// SSEHandler streams a session's event log as server-sent events. Each log
// entry becomes one SSE frame with the event kind as the SSE event name and
// the JSON-encoded entry as data; the sequence number doubles as the SSE id
// so reconnecting clients can detect replays.
func SSEHandler(log *Log) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		logger := ctxlog.FromContext(r.Context())
		logger.Debug("SSE subscriber connected.", "remote_addr", r.RemoteAddr)

		ch, cancel := log.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					logger.Error("Failed to encode event for SSE.", "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
				flusher.Flush()
			}
		}
	})
}
