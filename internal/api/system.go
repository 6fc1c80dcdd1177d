package api

import (
	"net/http"
	"time"
)

// handleSystemStatus reports fleet and server health in one document.
//
// GET /api/system/status
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.logger.Error("computing fleet stats", "error", err)
		writeInternalError(w, "failed to compute fleet stats")
		return
	}

	out := map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"fleet":          stats,
	}
	if s.dispatcher != nil {
		out["pending_commands"] = s.dispatcher.PendingCount()
	}
	if s.feed != nil {
		out["feed_offset"] = s.feed.Latest()
	}
	if s.hub != nil {
		out["websocket_clients"] = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, out)
}
