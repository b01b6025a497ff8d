package api

import (
	"net/http"
	"strconv"
	"sort"
)

// Drop log paging limits.
const (
	defaultDropLimit = 50
	maxDropLimit     = 1000
)

// handleListFrameIDs returns every frame identifier seen on either side.
func (s *Server) handleListFrameIDs(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "frame recorder not enabled")
		return
	}

	records, err := s.recorder.FrameIDs(r.Context())
	if err != nil {
		s.logger.Error("listing frame ids failed", "error", err)
		writeInternalError(w, "failed to list frame ids")
		return
	}

	unknown := 0
	for _, rec := range records {
		if rec.Topic == "" {
			unknown++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"frame_ids": records,
		"count":     len(records),
		"unknown":   unknown,
	})
}

// handleListDrops returns the most recent dropped translations.
// Query: ?limit=N (default 50, max 1000).
func (s *Server) handleListDrops(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "frame recorder not enabled")
		return
	}

	limit := defaultDropLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDropLimit)
	}

	drops, err := s.recorder.RecentDrops(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing drops failed", "error", err)
		writeInternalError(w, "failed to list drops")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"drops": drops,
		"count": len(drops),
	})
}

// handleListSubscriptions returns the MQTT filters the bridge holds.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "bridge not running")
		return
	}
	subs := s.bridge.Subscriptions()
	sort.Strings(subs)
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"count":         len(subs),
	})
}
