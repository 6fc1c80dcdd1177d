package api

import (
	"net/http"
	"strconv"
)

// maxEventPage bounds one poll's result size.
const maxEventPage = 500

// handlePollEvents serves the sink's pull surface: every event with
// offset strictly greater than the caller's cursor, oldest first. The
// caller owns the cursor; re-polling the same cursor redelivers
// (at-least-once).
//
// GET /events?after=N&max=M
func (s *Server) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "event feed not enabled")
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeBadRequest(w, "after must be a non-negative integer")
			return
		}
		after = n
	}

	max := 100
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "max must be a positive integer")
			return
		}
		if n > maxEventPage {
			n = maxEventPage
		}
		max = n
	}

	events := s.feed.After(after, max)

	// next is the cursor for the follow-up poll.
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Offset
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"next":   next,
		"latest": s.feed.Latest(),
	})
}
