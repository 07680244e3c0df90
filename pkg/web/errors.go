package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai"
	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	IsError    bool   `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Details    any    `json:"details,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"-"`
}

// Error codes for categorization
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotConnected     = "NOT_CONNECTED"
	ErrCodeInvalidSQL       = "INVALID_SQL"
	ErrCodeQueryExecution   = "QUERY_EXECUTION_ERROR"
	ErrCodeConnection       = "CONNECTION_ERROR"
	ErrCodeLLMError         = "LLM_ERROR"
	ErrCodeLLMNotConfigured = "LLM_NOT_CONFIGURED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

const (
	msgInvalidBody      = "Invalid request body"
	msgRouteNotFound    = "Route not found"
	msgTooManyRequests  = "Too many requests"
	msgHistoryDisabled  = "Query history is disabled"
	msgInternalError    = "Internal server error"
	msgConnectRequired  = "Database type and credentials are required"
	msgDisconnectNeeded = "Database type is required"
)

// NewAPIError creates an error with the status implied by code.
func NewAPIError(code, message string) *APIError {
	return &APIError{
		IsError:    true,
		Message:    message,
		Code:       code,
		StatusCode: getStatusCodeForError(code),
	}
}

func getStatusCodeForError(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeNotConnected, ErrCodeInvalidSQL:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeLLMNotConfigured:
		return http.StatusServiceUnavailable
	case ErrCodeLLMError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromError maps pipeline errors onto API errors.
func FromError(err error) *APIError {
	var (
		inputErr  *query.InputError
		notConn   *query.NotConnectedError
		violation *query.PolicyViolation
		execErr   *query.ExecutionError
		genErr    *query.GenerationError
		credErr   *datasource.CredentialError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &inputErr):
		return NewAPIError(ErrCodeBadRequest, inputErr.Msg)
	case errors.As(err, &credErr):
		return NewAPIError(ErrCodeBadRequest, credErr.Msg)
	case errors.Is(err, datasource.ErrUnsupportedKind):
		return NewAPIError(ErrCodeBadRequest, datasource.ErrUnsupportedKind.Error())
	case errors.As(err, &notConn):
		return NewAPIError(ErrCodeNotConnected, notConn.Error())
	case errors.As(err, &violation):
		e := NewAPIError(ErrCodeInvalidSQL, query.MsgUnsafeSQL)
		e.Details = map[string]any{"errors": violation.Errors}
		return e
	case errors.As(err, &execErr):
		return NewAPIError(ErrCodeQueryExecution, execErr.Error())
	case errors.Is(err, ai.ErrNotConfigured):
		return NewAPIError(ErrCodeLLMNotConfigured, ai.ErrNotConfigured.Error())
	case errors.As(err, &genErr):
		return NewAPIError(ErrCodeLLMError, genErr.Error())
	case errors.Is(err, query.ErrNoPendingQuery), errors.Is(err, query.ErrConfirmationMismatch):
		return NewAPIError(ErrCodeConflict, err.Error())
	default:
		return NewAPIError(ErrCodeInternalError, err.Error())
	}
}

// WriteError writes an API error to the response
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}

// writeJSON writes v with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) *APIError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			e := NewAPIError(ErrCodeBadRequest, "Request body too large")
			e.StatusCode = http.StatusRequestEntityTooLarge
			return e
		}
		return NewAPIError(ErrCodeBadRequest, msgInvalidBody)
	}
	return nil
}
