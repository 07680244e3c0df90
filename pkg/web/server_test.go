package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai"
	"github.com/cloudbro-kube-ai/querypilot/pkg/config"
	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

// fakeAsker plays the language model.
type fakeAsker struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (a *fakeAsker) AskNonStreaming(context.Context, string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reply, a.err
}

func (a *fakeAsker) set(reply string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reply, a.err = reply, err
}

type testEnv struct {
	srv     *Server
	asker   *fakeAsker
	conns   *datasource.Manager
	history *db.Store
	dir     string
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.NewDefaultConfig()
	cfg.Server.Environment = "test"
	cfg.Server.RateLimit = 0
	if tweak != nil {
		tweak(cfg)
	}

	conns := datasource.NewManager()
	a, err := conns.Open(ctx, "", datasource.KindSQLite, datasource.Credentials{Path: filepath.Join(dir, "app.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		"INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'grace'), (5, 'linus')",
	} {
		if _, err := a.Execute(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	history, err := db.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	asker := &fakeAsker{}
	svc := query.NewService(conns, ai.NewSQLGenerator(asker), query.Options{
		DefaultMode: cfg.DefaultMode(),
		History:     history,
	})
	srv, err := NewServer(Options{Config: cfg, Service: svc, Connections: conns, History: history, Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return &testEnv{srv: srv, asker: asker, conns: conns, history: history, dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestNewServerRequiresDeps(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Error("expected error for empty options")
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["environment"] != "test" || body["timestamp"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestNotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["error"] != true || body["message"] != "Route not found" || body["path"] != "/api/nope" {
		t.Errorf("body = %v", body)
	}
}

func TestChatErrors(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		askErr   error
		body     any
		wantCode int
		wantErr  string
		wantMsg  string
	}{
		{
			name:     "invalid body",
			body:     "{not json",
			wantCode: http.StatusBadRequest,
			wantErr:  ErrCodeBadRequest,
			wantMsg:  "Invalid request body",
		},
		{
			name:     "missing question",
			body:     map[string]string{"database": "sqlite"},
			wantCode: http.StatusBadRequest,
			wantErr:  ErrCodeBadRequest,
			wantMsg:  query.MsgQuestionRequired,
		},
		{
			name:     "not connected",
			body:     map[string]string{"question": "q", "database": "mysql"},
			wantCode: http.StatusBadRequest,
			wantErr:  ErrCodeNotConnected,
			wantMsg:  "Not connected to mysql database",
		},
		{
			name:     "unsafe in read-only",
			reply:    "DELETE FROM users",
			body:     map[string]string{"question": "q", "database": "sqlite"},
			wantCode: http.StatusBadRequest,
			wantErr:  ErrCodeInvalidSQL,
			wantMsg:  "Generated SQL query is not safe",
		},
		{
			name:     "llm not configured",
			askErr:   ai.ErrNotConfigured,
			body:     map[string]string{"question": "q", "database": "sqlite"},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  ErrCodeLLMNotConfigured,
		},
		{
			name:     "llm failure",
			askErr:   errors.New("quota exceeded"),
			body:     map[string]string{"question": "q", "database": "sqlite"},
			wantCode: http.StatusBadGateway,
			wantErr:  ErrCodeLLMError,
		},
		{
			name:     "execution failure",
			reply:    "SELECT * FROM missing",
			body:     map[string]string{"question": "q", "database": "sqlite"},
			wantCode: http.StatusInternalServerError,
			wantErr:  ErrCodeQueryExecution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			e.asker.set(tt.reply, tt.askErr)
			rec, body := e.do(t, http.MethodPost, "/api/chat", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%v)", rec.Code, tt.wantCode, body)
			}
			if body["error"] != true || body["code"] != tt.wantErr {
				t.Errorf("body = %v", body)
			}
			if tt.wantMsg != "" && body["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", body["message"], tt.wantMsg)
			}
		})
	}
}

func TestChatUnsafeDetails(t *testing.T) {
	e := newTestEnv(t, nil)
	e.asker.set("SELECT 1; DROP TABLE users", nil)
	_, body := e.do(t, http.MethodPost, "/api/chat", map[string]string{"question": "q", "database": "sqlite"})
	details, _ := body["details"].(map[string]any)
	errs, _ := details["errors"].([]any)
	if len(errs) == 0 || errs[0] != "Multiple SQL statements are not allowed" {
		t.Errorf("details = %v", body["details"])
	}
}

func TestChatSelect(t *testing.T) {
	e := newTestEnv(t, nil)
	e.asker.set("```sql\nSELECT * FROM users;\n```", nil)
	rec, body := e.do(t, http.MethodPost, "/api/chat", map[string]string{"question": "all users", "database": "sqlite"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["rawSql"] != "SELECT * FROM users" || body["queryType"] != "select" {
		t.Errorf("body = %v", body)
	}
	if body["sql"] != "SELECT\n  *\nFROM\n  users" {
		t.Errorf("sql = %q", body["sql"])
	}
	if body["rowCount"] != float64(3) || body["requiresConfirmation"] != false {
		t.Errorf("rowCount/requiresConfirmation = %v/%v", body["rowCount"], body["requiresConfirmation"])
	}
	results, _ := body["results"].([]any)
	first, _ := results[0].(map[string]any)
	if first["name"] != "ada" {
		t.Errorf("first row = %v", first)
	}
}

func TestChatConfirmationFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	e.asker.set("DELETE FROM users WHERE id = 5", nil)

	rec, body := e.do(t, http.MethodPost, "/api/chat", map[string]string{
		"question": "remove linus", "database": "sqlite", "mode": "safe",
	})
	if rec.Code != http.StatusOK || body["requiresConfirmation"] != true {
		t.Fatalf("propose: %d %v", rec.Code, body)
	}
	convID, _ := body["conversationId"].(string)
	if convID == "" || body["pendingId"] == "" {
		t.Fatalf("missing ids: %v", body)
	}
	if results, _ := body["results"].([]any); len(results) != 0 {
		t.Errorf("nothing should run before confirmation: %v", results)
	}
	if body["sql"] != "DELETE FROM users WHERE id = 5" || body["formattedSql"] != "DELETE FROM\n  users\nWHERE\n  id = 5" {
		t.Errorf("sql = %q, formattedSql = %q", body["sql"], body["formattedSql"])
	}
	if pq, _ := body["pendingQuery"].(map[string]any); pq["sql"] != body["sql"] || pq["targetDatabase"] != "sqlite" {
		t.Errorf("pendingQuery = %v", body["pendingQuery"])
	}

	rec, body = e.do(t, http.MethodPost, "/api/chat/execute", map[string]string{
		"sql": body["sql"].(string), "database": "sqlite", "conversationId": convID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: %d %v", rec.Code, body)
	}
	if body["affectedRowCount"] != float64(1) || body["rowCount"] != float64(2) {
		t.Errorf("execute body = %v", body)
	}
	if n := e.srv.svc.Confirmations().Len(); n != 0 {
		t.Errorf("confirmations tracked after execute = %d", n)
	}

	_, hist := e.do(t, http.MethodGet, "/api/history?conversationId="+convID, nil)
	entries, _ := hist["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("history entries = %d, want 2", len(entries))
	}
	newest, _ := entries[0].(map[string]any)
	if newest["status"] != string(db.StatusExecuted) {
		t.Errorf("newest entry = %v", newest)
	}
}

func TestChatCancel(t *testing.T) {
	e := newTestEnv(t, nil)
	e.asker.set("DROP TABLE users", nil)
	_, body := e.do(t, http.MethodPost, "/api/chat", map[string]string{
		"question": "drop it", "database": "sqlite", "mode": "safe", "conversationId": "c1",
	})
	if body["requiresConfirmation"] != true {
		t.Fatalf("propose: %v", body)
	}

	rec, body := e.do(t, http.MethodPost, "/api/chat/cancel", map[string]string{"conversationId": "c1"})
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("cancel: %d %v", rec.Code, body)
	}
	if n := e.srv.svc.Confirmations().Len(); n != 0 {
		t.Errorf("confirmations tracked after cancel = %d", n)
	}
	rec, body = e.do(t, http.MethodPost, "/api/chat/cancel", map[string]string{"conversationId": "c1"})
	if rec.Code != http.StatusConflict || body["code"] != ErrCodeConflict {
		t.Errorf("second cancel: %d %v", rec.Code, body)
	}
	rec, _ = e.do(t, http.MethodPost, "/api/chat/cancel", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("cancel without id: %d", rec.Code)
	}
}

func TestExecuteConfirmedErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodPost, "/api/chat/execute", map[string]string{"database": "sqlite"})
	if rec.Code != http.StatusBadRequest || body["message"] != query.MsgSQLRequired {
		t.Errorf("missing sql: %d %v", rec.Code, body)
	}
	rec, body = e.do(t, http.MethodPost, "/api/chat/execute", map[string]string{"sql": "SELECT 1", "database": "postgresql"})
	if rec.Code != http.StatusBadRequest || body["code"] != ErrCodeNotConnected {
		t.Errorf("not connected: %d %v", rec.Code, body)
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		body      map[string]string
		wantCode  int
		wantValid bool
	}{
		{"select", map[string]string{"sql": "SELECT 1", "database": "sqlite"}, http.StatusOK, true},
		{"delete read-only", map[string]string{"sql": "DELETE FROM users", "database": "sqlite"}, http.StatusOK, false},
		{"delete full-access", map[string]string{"sql": "DELETE FROM users", "database": "sqlite", "mode": "full-access"}, http.StatusOK, true},
		{"bad mode", map[string]string{"sql": "SELECT 1", "database": "sqlite", "mode": "yolo"}, http.StatusOK, false},
		{"missing sql", map[string]string{"database": "sqlite"}, http.StatusBadRequest, false},
	}
	e := newTestEnv(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := e.do(t, http.MethodPost, "/api/validate", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, body %v", rec.Code, body)
			}
			if tt.wantCode == http.StatusOK && body["valid"] != tt.wantValid {
				t.Errorf("valid = %v, want %v (%v)", body["valid"], tt.wantValid, body)
			}
		})
	}
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"no credentials", map[string]string{"type": "sqlite"}, "Database type and credentials are required"},
		{"no type", map[string]any{"credentials": map[string]string{"path": "x"}}, "Database type and credentials are required"},
		{"bad type", map[string]any{"type": "oracle", "credentials": map[string]string{}}, "Invalid database type"},
		{"sqlite path", map[string]any{"type": "sqlite", "credentials": map[string]string{}}, "SQLite path is required"},
		{"postgres fields", map[string]any{"type": "postgresql", "credentials": map[string]string{"host": "h"}},
			"Host, database, and user are required for PostgreSQL/MySQL"},
	}
	e := newTestEnv(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := e.do(t, http.MethodPost, "/api/databases", tt.body)
			if rec.Code != http.StatusBadRequest || body["message"] != tt.wantMsg {
				t.Errorf("got %d %v, want 400 %q", rec.Code, body, tt.wantMsg)
			}
		})
	}
}

func TestConnectListDisconnect(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodPost, "/api/databases", map[string]any{
		"name": "scratch", "type": "sqlite",
		"credentials": map[string]string{"path": filepath.Join(e.dir, "scratch.db")},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: %d %v", rec.Code, body)
	}
	if body["success"] != true || body["message"] != "Successfully connected to sqlite database" || body["name"] != "scratch" {
		t.Errorf("connect body = %v", body)
	}
	if _, ok := body["schema"].(map[string]any); !ok {
		t.Errorf("schema = %v", body["schema"])
	}

	_, body = e.do(t, http.MethodGet, "/api/databases", nil)
	if conns, _ := body["connections"].([]any); len(conns) != 2 {
		t.Errorf("connections = %v", body["connections"])
	}

	rec, _ = e.do(t, http.MethodGet, "/api/databases/sqlite/schema", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"users"`) {
		t.Errorf("schema: %d %s", rec.Code, rec.Body.String())
	}
	rec, _ = e.do(t, http.MethodGet, "/api/databases/ghost/schema", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown schema status = %d", rec.Code)
	}

	rec, body = e.do(t, http.MethodPost, "/api/databases/disconnect", map[string]string{"name": "scratch"})
	if rec.Code != http.StatusOK || body["message"] != "Disconnected from scratch database" {
		t.Errorf("disconnect: %d %v", rec.Code, body)
	}
	if _, ok := e.conns.Get("scratch"); ok {
		t.Error("scratch still connected")
	}

	rec, body = e.do(t, http.MethodPost, "/api/databases/disconnect", map[string]string{"type": "sqlite"})
	if rec.Code != http.StatusOK || body["message"] != "Disconnected from sqlite database" {
		t.Errorf("disconnect by type: %d %v", rec.Code, body)
	}

	rec, body = e.do(t, http.MethodPost, "/api/databases/disconnect", map[string]string{})
	if rec.Code != http.StatusBadRequest || body["message"] != "Database type is required" {
		t.Errorf("disconnect without type: %d %v", rec.Code, body)
	}
}

func TestConnectFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	blocker := filepath.Join(e.dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	rec, body := e.do(t, http.MethodPost, "/api/databases", map[string]any{
		"type":        "sqlite",
		"credentials": map[string]string{"path": filepath.Join(blocker, "x.db")},
	})
	if rec.Code != http.StatusInternalServerError || body["code"] != ErrCodeConnection {
		t.Errorf("connect failure: %d %v", rec.Code, body)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.asker.set("SELECT id FROM users", nil)
	for i := 0; i < 3; i++ {
		e.do(t, http.MethodPost, "/api/chat", map[string]string{"question": "ids", "database": "sqlite"})
	}

	_, body := e.do(t, http.MethodGet, "/api/history?limit=2", nil)
	if body["enabled"] != true {
		t.Fatalf("body = %v", body)
	}
	if entries, _ := body["entries"].([]any); len(entries) != 2 {
		t.Errorf("limit=2 returned %d entries", len(entries))
	}

	rec, _ := e.do(t, http.MethodGet, "/api/history?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	e := newTestEnv(t, nil)
	e.srv.history = nil
	_, body := e.do(t, http.MethodGet, "/api/history", nil)
	if body["enabled"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.ClientURL = "http://localhost:3000, https://app.example.com/" })

	tests := []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "http://localhost:3000"},
		{"https://app.example.com", "https://app.example.com"},
		{"http://evil.example.com", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		e.srv.Handler().ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: allow = %q, want %q", tt.origin, got, tt.want)
		}
		if tt.want != "" && rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Errorf("origin %s: credentials not allowed", tt.origin)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, _ := e.do(t, http.MethodGet, "/health", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("headers = %v", rec.Header())
	}
}

func TestMaxBody(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.MaxBodyBytes = 32 })
	rec, _ := e.do(t, http.MethodPost, "/api/chat", map[string]string{
		"question": strings.Repeat("x", 100), "database": "sqlite",
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestLLMStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	_, body := e.do(t, http.MethodGet, "/api/llm/status", nil)
	if body["ready"] != false {
		t.Errorf("no client: %v", body)
	}
}

func TestPanicRecovery(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), ErrCodeInternalError) {
		t.Errorf("recovered response = %d %s", rec.Code, rec.Body.String())
	}
}

func TestServeAndStop(t *testing.T) {
	e := newTestEnv(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if _, ok := e.conns.Get("sqlite"); ok {
		t.Error("Stop should close target connections")
	}
}
