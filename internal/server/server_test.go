package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudquill/azure-agent/internal/agent"
	"github.com/cloudquill/azure-agent/internal/llm"
	"github.com/cloudquill/azure-agent/internal/session"
)

// stubRunner scripts RunTurn. Chunks are forwarded to the events channel when
// one is provided; err aborts the turn after any chunks configured in chunks.
type stubRunner struct {
	chunks []string
	err    error

	lastMessage string
	lastHistory []llm.Message
	called      int
}

func (r *stubRunner) RunTurn(ctx context.Context, history []llm.Message, message string, events chan<- llm.Event) (*agent.Result, error) {
	r.called++
	r.lastMessage = message
	r.lastHistory = history

	var text strings.Builder
	for _, chunk := range r.chunks {
		text.WriteString(chunk)
		if events != nil {
			if err := llm.Emit(ctx, events, llm.Event{Type: llm.EventTextDelta, Text: chunk}); err != nil {
				return nil, err
			}
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	answer := text.String()
	return &agent.Result{
		Text:     answer,
		Rounds:   1,
		Messages: []llm.Message{llm.AssistantText(answer)},
	}, nil
}

func newTestServer(runner TurnRunner, store session.Store) *Server {
	return New(Config{Host: "127.0.0.1", Port: 8080}, runner, store)
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubRunner{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestQuerySync(t *testing.T) {
	runner := &stubRunner{chunks: []string{"You have ", "3 VMs."}}
	srv := newTestServer(runner, nil)

	rec := postJSON(t, srv.Handler(), "/api/query", `{"message":"how many VMs?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["response"] != "You have 3 VMs." {
		t.Errorf("response = %v", body["response"])
	}
	if _, ok := body["session_id"]; ok {
		t.Error("session_id must be absent without a session")
	}
	if runner.lastMessage != "how many VMs?" {
		t.Errorf("message = %q", runner.lastMessage)
	}
}

func TestQueryMissingMessage(t *testing.T) {
	runner := &stubRunner{}
	srv := newTestServer(runner, nil)

	for _, body := range []string{`{}`, `{"message":42}`, `{"message":null}`, `{"message":"   "}`} {
		rec := postJSON(t, srv.Handler(), "/api/query", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, rec.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp["error"] == "" {
			t.Errorf("body %s: missing error field", body)
		}
	}
	if runner.called != 0 {
		t.Errorf("runner invoked %d times for invalid requests", runner.called)
	}
}

func TestQueryHistoryForwarded(t *testing.T) {
	runner := &stubRunner{chunks: []string{"again: three"}}
	srv := newTestServer(runner, nil)

	body := `{"message":"repeat","history":[{"role":"user","content":"how many?"},{"role":"assistant","content":"three"}]}`
	rec := postJSON(t, srv.Handler(), "/api/query", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(runner.lastHistory) != 2 {
		t.Fatalf("history length = %d", len(runner.lastHistory))
	}
	if runner.lastHistory[0].Role != llm.RoleUser || runner.lastHistory[1].Role != llm.RoleAssistant {
		t.Errorf("history roles = %q, %q", runner.lastHistory[0].Role, runner.lastHistory[1].Role)
	}
}

func TestQueryInvalidHistoryRole(t *testing.T) {
	srv := newTestServer(&stubRunner{}, nil)
	body := `{"message":"hi","history":[{"role":"system","content":"x"}]}`
	rec := postJSON(t, srv.Handler(), "/api/query", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestQueryRunnerFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("completion API unreachable")}
	srv := newTestServer(runner, nil)

	rec := postJSON(t, srv.Handler(), "/api/query", `{"message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp["details"], "completion API unreachable") {
		t.Errorf("details = %q", resp["details"])
	}
}

func TestQueryStream(t *testing.T) {
	runner := &stubRunner{chunks: []string{"You have ", "3 VMs."}}
	srv := newTestServer(runner, nil)

	rec := postJSON(t, srv.Handler(), "/api/query/stream", `{"message":"how many VMs?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if got := rec.Body.String(); got != "You have 3 VMs." {
		t.Errorf("body = %q", got)
	}
}

func TestQueryStreamMidStreamError(t *testing.T) {
	runner := &stubRunner{chunks: []string{"partial answer "}, err: errors.New("upstream reset")}
	srv := newTestServer(runner, nil)

	rec := postJSON(t, srv.Handler(), "/api/query/stream", `{"message":"hi"}`)
	body := rec.Body.String()
	if !strings.HasPrefix(body, "partial answer ") {
		t.Errorf("streamed text lost: %q", body)
	}
	if !strings.Contains(body, "[Error: upstream reset]") {
		t.Errorf("missing error marker: %q", body)
	}
}

func TestQueryStreamFailureBeforeOutput(t *testing.T) {
	runner := &stubRunner{err: errors.New("connect failed")}
	srv := newTestServer(runner, nil)

	rec := postJSON(t, srv.Handler(), "/api/query/stream", `{"message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["error"] == "" {
		t.Error("missing error field")
	}
}

// brokenPipeWriter simulates a client that disconnected mid-stream: every
// body write fails.
type brokenPipeWriter struct {
	header http.Header
	writes int
}

func (b *brokenPipeWriter) Header() http.Header {
	if b.header == nil {
		b.header = make(http.Header)
	}
	return b.header
}

func (b *brokenPipeWriter) WriteHeader(int) {}

func (b *brokenPipeWriter) Write(p []byte) (int, error) {
	b.writes++
	return 0, errors.New("broken pipe")
}

func (b *brokenPipeWriter) Flush() {}

func TestQueryStreamDrainsAfterWriteFailure(t *testing.T) {
	// The runner keeps producing chunks after the first write fails. The
	// handler must keep consuming them so the turn can finish instead of
	// leaving the producer blocked on the events channel.
	runner := &stubRunner{chunks: []string{"alpha ", "beta ", "gamma ", "delta"}}
	srv := newTestServer(runner, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/query/stream", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := &brokenPipeWriter{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(w, req)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler stuck after client write failure")
	}
	if runner.called != 1 {
		t.Fatalf("runner called %d times", runner.called)
	}
	if w.writes != 1 {
		t.Errorf("expected a single attempted write, got %d", w.writes)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store, err := session.NewSQLiteStore(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	runner := &stubRunner{chunks: []string{"one VM"}}
	srv := newTestServer(runner, store)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/session", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["session_id"]
	if id == "" {
		t.Fatal("empty session id")
	}

	rec = postJSON(t, handler, "/api/query", `{"message":"how many VMs?","session_id":"`+id+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("query: %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["session_id"] != id {
		t.Errorf("session_id echo = %v", resp["session_id"])
	}

	// The second query must see the first exchange as history.
	rec = postJSON(t, handler, "/api/query", `{"message":"repeat","session_id":"`+id+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second query: %d %s", rec.Code, rec.Body.String())
	}
	if len(runner.lastHistory) != 2 {
		t.Fatalf("history length = %d", len(runner.lastHistory))
	}
	if runner.lastHistory[0].TextContent() != "how many VMs?" {
		t.Errorf("history[0] = %q", runner.lastHistory[0].TextContent())
	}
}

func TestQueryUnknownSession(t *testing.T) {
	store, err := session.NewSQLiteStore(t.TempDir() + "/sessions.db")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	srv := newTestServer(&stubRunner{}, store)
	rec := postJSON(t, srv.Handler(), "/api/query", `{"message":"hi","session_id":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1", Port: 8080, Token: "s3cret"}, &stubRunner{chunks: []string{"ok"}}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", rec.Code)
	}

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz with auth enabled: status = %d", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1", Port: 8080, CORSOrigins: []string{"https://app.example.com"}}, &stubRunner{chunks: []string{"ok"}}, nil)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/query", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/query", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}
}

func TestQueryRejectsWrongContentType(t *testing.T) {
	srv := newTestServer(&stubRunner{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestQueryMethodNotAllowed(t *testing.T) {
	srv := newTestServer(&stubRunner{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/query", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}
