// Package gateway exposes the runtime over a WebSocket RPC plus a small
// HTTP API. Every connected client receives the runtime's event stream;
// RPC methods map one to one onto the runtime facade.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/events"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/runtime"
	"github.com/nextlevelbuilder/goswarm/internal/toolgroups"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

// Runtime is the slice of the runtime facade the gateway drives.
type Runtime interface {
	SubmitRequirement(text string) (string, error)
	SendToAgent(agentID, text string, attachments []llm.Attachment, taskID string) (*bus.SendResult, error)
	AbortAgent(agentID string) bool
	Agents() []runtime.AgentView
	Roles() []*org.Role
	OrgTree() *runtime.TreeNode
	SetAgentName(agentID, name string) (*org.Agent, error)
	TerminateAgent(agentID, terminatedBy, reason string) ([]string, error)
	DeleteRole(roleID, deletedBy, reason string) (*org.DeleteRoleResult, error)
	Conversation(agentID string) *runtime.ConversationView
	MessageHistory(ctx context.Context, agentID string, limit int) ([]bus.Message, error)
	Groups() []toolgroups.Info
	Schedules() []*bus.Schedule
}

// Server serves the WebSocket RPC and HTTP API.
type Server struct {
	cfg    *config.Config
	events events.Publisher
	rt     Runtime
	router *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a gateway around the runtime facade.
func NewServer(cfg *config.Config, pub events.Publisher, rt Runtime) *Server {
	s := &Server{
		cfg:     cfg,
		events:  pub,
		rt:      rt,
		clients: make(map[string]*Client),
	}

	// The gateway binds loopback by default and the token does the
	// authorization, so browser origin is not checked.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	s.router = NewMethodRouter(s)
	return s
}

// RateLimiter exposes the limiter for method handlers and tests.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/org", s.requireToken(s.handleOrg))
	mux.HandleFunc("GET /api/agents/{id}/conversation", s.requireToken(s.handleConversation))
	mux.HandleFunc("POST /api/requirements", s.requireToken(s.handleRequirements))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and runs its read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleOrg(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.OrgTree())
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if agentID == "" {
		writeJSONError(w, http.StatusBadRequest, "agent id is required")
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Conversation(agentID))
}

func (s *Server) handleRequirements(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(remoteHost(r)) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && utf8.RuneCountInString(body.Text) > max {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("message exceeds %d characters", max))
		return
	}

	taskID, err := s.rt.SubmitRequirement(body.Text)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": taskID})
}

// requireToken guards an HTTP handler with bearer auth when a gateway
// token is configured.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Gateway.Token
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next(w, r)
	}
}

// Router returns the method router, mainly for tests.
func (s *Server) Router() *MethodRouter { return s.router }

// BroadcastEvent sends an event frame to every connected client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	// Forward runtime events to this client. The handler runs on the
	// emitting goroutine; SendEvent never blocks it.
	s.events.Subscribe(c.id, func(event events.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload, event.At.String()))
	})

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.events.Unsubscribe(c.id)
	s.rateLimiter.Forget(c.id)
	slog.Info("client disconnected", "id", c.id)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("http response encode failed", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartTestServer binds the server to a random loopback port and returns
// the address plus a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
