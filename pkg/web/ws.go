package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

const (
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// Client message types.
const (
	wsAsk      = "ask"
	wsConfirm  = "confirm"
	wsCancel   = "cancel"
	wsValidate = "validate"
)

// Server message types.
const (
	wsReady                = "ready"
	wsResult               = "result"
	wsConfirmationRequired = "confirmation_required"
	wsCancelled            = "cancelled"
	wsValidation           = "validation"
	wsError                = "error"
)

// wsRequest is one client message. A socket is one conversation, so no
// conversation id is carried per message.
type wsRequest struct {
	Type     string          `json:"type"`
	Question string          `json:"question,omitempty"`
	Database string          `json:"database,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	SQL      string          `json:"sql,omitempty"`
}

type wsResponse struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	Data           any       `json:"data,omitempty"`
	Error          *APIError `json:"error,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.origins.allows(origin)
		},
	}
}

// chatSession serializes writes to one websocket.
type chatSession struct {
	conn           *websocket.Conn
	conversationID string
	mu             sync.Mutex
}

func (c *chatSession) send(msg wsResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.ConversationID = c.conversationID
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *chatSession) sendError(err error) error {
	return c.send(wsResponse{Type: wsError, Error: FromError(err)})
}

func (c *chatSession) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWebSocket runs a conversation over a websocket. A pending
// confirmation lives as long as the socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	sess := &chatSession{conn: conn, conversationID: uuid.NewString()}
	defer s.svc.Confirmations().Forget(sess.conversationID)

	if s.cfg.Server.MaxBodyBytes > 0 {
		conn.SetReadLimit(s.cfg.Server.MaxBodyBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.keepAlive(ctx, sess)

	if err := sess.send(wsResponse{Type: wsReady}); err != nil {
		return
	}
	log.Debugf("websocket conversation %s opened", sess.conversationID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("websocket %s: %v", sess.conversationID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if sess.send(wsResponse{Type: wsError, Error: NewAPIError(ErrCodeBadRequest, msgInvalidBody)}) != nil {
				return
			}
			continue
		}
		if err := s.dispatch(ctx, sess, req); err != nil {
			return
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, sess *chatSession) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles one client message. The returned error is a write
// failure; pipeline errors are sent to the client.
func (s *Server) dispatch(ctx context.Context, sess *chatSession, req wsRequest) error {
	switch req.Type {
	case wsAsk:
		resp, err := s.svc.GenerateAndMaybeExecute(ctx, query.GenerateRequest{
			Question:       req.Question,
			TargetDatabase: req.Database,
			SchemaHint:     req.Schema,
			Mode:           req.Mode,
			ConversationID: sess.conversationID,
		})
		if err != nil {
			return sess.sendError(err)
		}
		kind := wsResult
		if resp.RequiresConfirmation {
			kind = wsConfirmationRequired
		}
		return sess.send(wsResponse{Type: kind, Data: resp})

	case wsConfirm:
		resp, err := s.svc.ExecuteConfirmed(ctx, query.ConfirmedRequest{
			SQL:            req.SQL,
			TargetDatabase: req.Database,
			ConversationID: sess.conversationID,
		})
		if err != nil {
			return sess.sendError(err)
		}
		return sess.send(wsResponse{Type: wsResult, Data: resp})

	case wsCancel:
		pending, err := s.svc.Cancel(ctx, sess.conversationID)
		if err != nil {
			return sess.sendError(err)
		}
		return sess.send(wsResponse{Type: wsCancelled, Data: pending})

	case wsValidate:
		verdict, err := s.svc.Validate(query.ValidateRequest{SQL: req.SQL, TargetDatabase: req.Database, Mode: req.Mode})
		if err != nil {
			return sess.sendError(err)
		}
		return sess.send(wsResponse{Type: wsValidation, Data: verdict})

	default:
		return sess.send(wsResponse{Type: wsError, Error: NewAPIError(ErrCodeBadRequest, "unknown message type "+req.Type)})
	}
}
