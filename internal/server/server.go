package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudquill/azure-agent/internal/agent"
	"github.com/cloudquill/azure-agent/internal/llm"
	"github.com/cloudquill/azure-agent/internal/session"
)

// TurnRunner executes one user turn. Satisfied by *agent.Agent.
type TurnRunner interface {
	RunTurn(ctx context.Context, history []llm.Message, message string, events chan<- llm.Event) (*agent.Result, error)
}

// Config holds the HTTP server settings.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	Token       string // optional bearer auth; empty disables
}

// Server is the HTTP boundary in front of the agent. It exposes a streaming
// query endpoint, a synchronous one, session creation, and a health check.
type Server struct {
	cfg    Config
	runner TurnRunner
	store  session.Store
	server *http.Server
}

func New(cfg Config, runner TurnRunner, store session.Store) *Server {
	if store == nil {
		store = &session.NoopStore{}
	}
	return &Server{cfg: cfg, runner: runner, store: store}
}

// Handler returns the route tree, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/query", s.auth(s.cors(s.handleQuery)))
	mux.HandleFunc("/api/query/stream", s.auth(s.cors(s.handleQueryStream)))
	mux.HandleFunc("/api/session", s.auth(s.cors(s.handleSession)))
	return mux
}

// Start begins listening in the background and returns once the listener is
// up or has failed immediately.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	id, err := s.store.Create(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session", err.Error())
		return
	}
	if id == "" {
		writeError(w, http.StatusNotImplemented, "session persistence is disabled", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

type queryRequest struct {
	Message   json.RawMessage  `json:"message"`
	History   []historyMessage `json:"history"`
	SessionID string           `json:"session_id"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// parseQuery validates the inbound body. A missing or non-string message is a
// client error and must not trigger any upstream calls.
func (s *Server) parseQuery(r *http.Request) (string, []llm.Message, string, int, error) {
	if err := requireJSONContentType(r); err != nil {
		return "", nil, "", http.StatusUnsupportedMediaType, err
	}
	var req queryRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return "", nil, "", http.StatusBadRequest, err
	}

	var message string
	if len(req.Message) == 0 || string(req.Message) == "null" {
		return "", nil, "", http.StatusBadRequest, errors.New("message is required")
	}
	if err := json.Unmarshal(req.Message, &message); err != nil {
		return "", nil, "", http.StatusBadRequest, errors.New("message must be a string")
	}
	if strings.TrimSpace(message) == "" {
		return "", nil, "", http.StatusBadRequest, errors.New("message is required")
	}

	var history []llm.Message
	if req.SessionID != "" {
		stored, err := s.store.History(r.Context(), req.SessionID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return "", nil, "", http.StatusBadRequest, fmt.Errorf("unknown session: %s", req.SessionID)
			}
			return "", nil, "", http.StatusInternalServerError, err
		}
		history = stored
	} else {
		for _, h := range req.History {
			switch h.Role {
			case "user":
				history = append(history, llm.UserText(h.Content))
			case "assistant":
				history = append(history, llm.AssistantText(h.Content))
			default:
				return "", nil, "", http.StatusBadRequest, fmt.Errorf("invalid history role: %q", h.Role)
			}
		}
	}

	return message, history, req.SessionID, 0, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	message, history, sessionID, status, err := s.parseQuery(r)
	if err != nil {
		writeError(w, status, err.Error(), "")
		return
	}

	result, err := s.runner.RunTurn(r.Context(), history, message, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed", err.Error())
		return
	}

	s.persistTurn(r.Context(), sessionID, message, result)

	resp := map[string]any{"response": result.Text}
	if sessionID != "" {
		resp["session_id"] = sessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	message, history, sessionID, status, err := s.parseQuery(r)
	if err != nil {
		writeError(w, status, err.Error(), "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	// The client dropping the connection cancels r.Context(), which stops
	// in-flight completions and tool calls promptly.
	ctx := r.Context()

	type outcome struct {
		result *agent.Result
		err    error
	}
	events := make(chan llm.Event)
	outc := make(chan outcome, 1)
	go func() {
		result, err := s.runner.RunTurn(ctx, history, message, events)
		outc <- outcome{result: result, err: err}
		close(events)
	}()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	started := false
	writeFailed := false
	for ev := range events {
		if ev.Type != llm.EventTextDelta || ev.Text == "" {
			continue
		}
		// Keep draining after a failed write so the producer never stays
		// blocked on the events channel.
		if writeFailed {
			continue
		}
		if _, err := io.WriteString(w, ev.Text); err != nil {
			writeFailed = true
			continue
		}
		flusher.Flush()
		started = true
	}

	out := <-outc
	if out.err != nil {
		if started {
			// Headers are gone; the failure becomes a visible marker.
			_, _ = fmt.Fprintf(w, "[Error: %v]", out.err)
			flusher.Flush()
		} else {
			writeError(w, http.StatusInternalServerError, "query failed", out.err.Error())
		}
		return
	}

	s.persistTurn(ctx, sessionID, message, out.result)
}

// persistTurn appends the exchange to the session, if one is attached.
func (s *Server) persistTurn(ctx context.Context, sessionID, message string, result *agent.Result) {
	if sessionID == "" || result == nil {
		return
	}
	msgs := append([]llm.Message{llm.UserText(message)}, result.Messages...)
	if err := s.store.Append(ctx, sessionID, msgs); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist session %s: %v\n", sessionID, err)
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials", "")
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials", "")
			return
		}
		next(w, r)
	}
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.CORSOrigins))
	allowAll := false
	for _, origin := range s.cfg.CORSOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	payload := map[string]any{"error": message}
	if details != "" {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}
