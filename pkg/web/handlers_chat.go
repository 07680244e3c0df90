package web

import (
	"net/http"

	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req query.GenerateRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, apiErr)
		return
	}
	resp, err := s.svc.GenerateAndMaybeExecute(r.Context(), req)
	if err != nil {
		WriteError(w, FromError(err))
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req query.ConfirmedRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, apiErr)
		return
	}
	resp, err := s.svc.ExecuteConfirmed(r.Context(), req)
	if err != nil {
		WriteError(w, FromError(err))
		return
	}
	writeJSON(w, resp)
}

type cancelRequest struct {
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, apiErr)
		return
	}
	pending, err := s.svc.Cancel(r.Context(), req.ConversationID)
	if err != nil {
		WriteError(w, FromError(err))
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"message": "Query cancelled",
		"pending": pending,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req query.ValidateRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, apiErr)
		return
	}
	verdict, err := s.svc.Validate(req)
	if err != nil {
		WriteError(w, FromError(err))
		return
	}
	writeJSON(w, verdict)
}

func (s *Server) handleLLMStatus(w http.ResponseWriter, _ *http.Request) {
	if s.llm == nil {
		writeJSON(w, map[string]any{"ready": false})
		return
	}
	writeJSON(w, map[string]any{
		"ready":    s.llm.IsReady(),
		"provider": s.llm.GetProvider(),
		"model":    s.llm.GetModel(),
		"endpoint": s.llm.GetEndpoint(),
	})
}
