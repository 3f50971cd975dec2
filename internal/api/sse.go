package api

import (
	"fmt"
	"net/http"
	"time"
)

// handleMappingStream pushes the current mapping ETag on connect and every
// new one after an admin change, so storefront caches know when to refetch.
func (s *Server) handleMappingStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, r, "Streaming unsupported")
		return
	}

	updates, unsubscribe := s.cache.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "init", s.cache.Load().ETag)
	flusher.Flush()

	ping := time.NewTicker(s.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case etag := <-updates:
			writeEvent(w, "update", etag)
			flusher.Flush()
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event, etag string) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: {\"etag\":%q}\n\n", event, etag)
}
