package web

import (
	"net/http"
	"strconv"

	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
)

const maxHistoryLimit = 500

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, map[string]any{
			"enabled": false,
			"message": msgHistoryDisabled,
			"entries": []db.HistoryEntry{},
		})
		return
	}

	q := r.URL.Query()
	filter := db.HistoryFilter{
		ConversationID: q.Get("conversationId"),
		TargetDatabase: q.Get("database"),
		Status:         db.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, NewAPIError(ErrCodeBadRequest, "limit must be a positive integer"))
			return
		}
		filter.Limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(r.Context(), filter)
	if err != nil {
		WriteError(w, NewAPIError(ErrCodeInternalError, err.Error()))
		return
	}
	writeJSON(w, map[string]any{"enabled": true, "entries": entries})
}
