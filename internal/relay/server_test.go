package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
	"github.com/agentworkforce/pagerelay/internal/transport"
)

const testSecret = "test-secret"

func mustToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := session.IssueToken(testSecret, userID, name, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Correlation-Id", "corr_test")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestServerHealth(t *testing.T) {
	server := NewServerWithConfig(nil, ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServerDocumentAPI(t *testing.T) {
	server := NewServerWithConfig(NewRegistry(), ServerConfig{JWTSecret: testSecret})
	token := mustToken(t, "u1", "Ada")

	rec := doRequest(t, server, http.MethodGet, "/v1/projects/p1/document", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any save, got %d", rec.Code)
	}

	body := []byte(`{"components":[{"type":"text"}],"styles":"a{}"}`)
	rec = doRequest(t, server, http.MethodPut, "/v1/projects/p1/document", token, body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodGet, "/v1/projects/p1/document", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var doc protocol.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Styles != "a{}" || string(doc.Components) != `[{"type":"text"}]` {
		t.Fatalf("unexpected document: %+v", doc)
	}

	rec = doRequest(t, server, http.MethodPut, "/v1/projects/p1/document", token, []byte(`{"styles":"x"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a document without components, got %d", rec.Code)
	}
}

func TestServerRejectsBadTokens(t *testing.T) {
	server := NewServerWithConfig(nil, ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, server, http.MethodGet, "/v1/projects/p1/pages", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	other, err := session.IssueToken("other-secret", "u1", "Ada", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = doRequest(t, server, http.MethodGet, "/v1/projects/p1/pages", other, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", rec.Code)
	}
	var payload map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload["code"] != "unauthorized" || payload["correlationId"] != "corr_test" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
	rec = doRequest(t, server, http.MethodGet, "/v1/rooms", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated room, got %d", rec.Code)
	}
}

func TestServerDocumentRateLimit(t *testing.T) {
	registry := NewRegistry()
	registry.Record("p1", protocol.PageAdd{PageID: "home", PageName: "Home", UserID: "u1"})
	server := NewServerWithConfig(registry, ServerConfig{JWTSecret: testSecret, RateLimitMax: 1, RateLimitWindow: time.Minute})
	token := mustToken(t, "u1", "Ada")
	if rec := doRequest(t, server, http.MethodGet, "/v1/projects/p1/pages", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := doRequest(t, server, http.MethodGet, "/v1/projects/p1/pages", token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
}

func dialRoom(t *testing.T, baseURL, token, projectID string) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.WebsocketDialer{BindProject: true}.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/v1/rooms", token, projectID)
	if err != nil {
		t.Fatalf("dial room: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeMessage(t *testing.T, conn transport.Conn, msg protocol.Message) {
	t.Helper()
	env, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, env); err != nil {
		t.Fatalf("write %s: %v", msg.Event(), err)
	}
}

func readEvent(t *testing.T, conn transport.Conn, event protocol.EventName) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != event {
		t.Fatalf("expected %s, got %s", event, env.Event)
	}
	msg, err := protocol.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestServerRelaysOverWebsocket(t *testing.T) {
	reg := NewRegistry()
	httpServer := httptest.NewServer(NewServerWithConfig(reg, ServerConfig{JWTSecret: testSecret}))
	defer httpServer.Close()

	c1 := dialRoom(t, httpServer.URL, mustToken(t, "u1", "Ada"), "p1")
	c2 := dialRoom(t, httpServer.URL, mustToken(t, "u2", "Grace"), "p1")

	writeMessage(t, c1, protocol.UserJoin{UserID: "u1", UserName: "Ada", ProjectID: "p1"})
	readEvent(t, c1, protocol.EventPresenceUpdate)
	writeMessage(t, c2, protocol.UserJoin{UserID: "u2", UserName: "Grace", ProjectID: "p1"})
	readEvent(t, c1, protocol.EventUserJoin)
	readEvent(t, c1, protocol.EventPresenceUpdate)
	readEvent(t, c2, protocol.EventPresenceUpdate)

	writeMessage(t, c2, protocol.EditorFullUpdate{
		UserID:    "u2",
		ProjectID: "p1",
		Data:      protocol.Document{Components: json.RawMessage(`[]`), Styles: "b{}"},
	})
	update := readEvent(t, c1, protocol.EventEditorFullUpdate).(protocol.EditorFullUpdate)
	if update.UserID != "u2" || update.Data.Styles != "b{}" {
		t.Fatalf("unexpected full update: %+v", update)
	}
	if doc, ok := reg.Document("p1"); !ok || doc.Styles != "b{}" {
		t.Fatalf("expected relayed document to be recorded")
	}
}

func TestServerPagesForUnknownProjectIsNotFound(t *testing.T) {
	server := NewServerWithConfig(nil, ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, server, http.MethodGet, "/v1/projects/nobody/pages", mustToken(t, "u1", "Ada"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
