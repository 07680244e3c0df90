package web

import (
	"fmt"
	"net/http"

	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

type connectRequest struct {
	// Name defaults to Type, so a single connection per kind needs no name.
	Name        string                  `json:"name,omitempty"`
	Type        string                  `json:"type"`
	Credentials *datasource.Credentials `json:"credentials"`
}

type disconnectRequest struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
}

func (s *Server) handleListDatabases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"connections": s.conns.List()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, apiErr)
		return
	}
	if req.Type == "" || req.Credentials == nil {
		WriteError(w, NewAPIError(ErrCodeBadRequest, msgConnectRequired))
		return
	}
	kind, err := datasource.ParseKind(req.Type)
	if err != nil {
		WriteError(w, FromError(err))
		return
	}
	if err := req.Credentials.Validate(kind); err != nil {
		WriteError(w, FromError(err))
		return
	}

	adapter, err := s.conns.Open(r.Context(), req.Name, kind, *req.Credentials)
	if err != nil {
		log.Warnf("connect %s (%+v): %v", kind, req.Credentials.Redacted(), err)
		WriteError(w, NewAPIError(ErrCodeConnection, err.Error()))
		return
	}
	schema, err := adapter.DescribeSchema(r.Context())
	if err != nil {
		WriteError(w, NewAPIError(ErrCodeConnection, err.Error()))
		return
	}

	name := req.Name
	if name == "" {
		name = string(kind)
	}
	writeJSON(w, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Successfully connected to %s database", kind),
		"name":    name,
		"schema":  schema,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, apiErr)
		return
	}
	name := req.Name
	if name == "" {
		name = req.Type
	}
	if name == "" {
		WriteError(w, NewAPIError(ErrCodeBadRequest, msgDisconnectNeeded))
		return
	}
	if err := s.conns.Close(name); err != nil {
		log.Warnf("disconnect %s: %v", name, err)
	}
	writeJSON(w, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Disconnected from %s database", name),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	adapter, ok := s.conns.Get(name)
	if !ok {
		WriteError(w, FromError(&query.NotConnectedError{Database: name}))
		return
	}
	schema, err := adapter.DescribeSchema(r.Context())
	if err != nil {
		WriteError(w, NewAPIError(ErrCodeConnection, err.Error()))
		return
	}
	writeJSON(w, schema)
}
