// Package bridge is the endpoint the dashboard page talks to. It turns the dashboard's
// ready/ping and send-payload events into messages on the runtime, and pushes progress
// back over a WebSocket.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/messaging"
)

// TabHeader names the dashboard tab on HTTP requests. The tab query parameter works too.
const TabHeader = "X-Casefill-Tab"

// InvalidatedMessage is what the dashboard shows when its runtime binding is gone.
const InvalidatedMessage = "casefill was updated or restarted; refresh this page to reconnect"

// Response codes carried in ExtensionResponse.Code.
const (
	CodeContextInvalidated = "context_invalidated"
	CodeInvalidPayload     = "invalid_payload"
	CodeBadRequest         = "bad_request"
	CodeRejected           = "rejected"
	CodeUnavailable        = "unavailable"
)

var (
	// ErrContextInvalidated means the dashboard tab's runtime binding no longer exists.
	ErrContextInvalidated = errors.New(InvalidatedMessage)
	// ErrNotBound is returned before Bind is called.
	ErrNotBound = errors.New("bridge is not bound to a runtime")
	// ErrNoDashboard is returned by Relay when no socket is open for the tab.
	ErrNoDashboard = errors.New("no dashboard connected for tab")
)

// Runtime is the part of messaging.Runtime the bridge needs.
type Runtime interface {
	Port(sender schemas.TabID) *messaging.Port
	Closed() bool
}

// ExtensionResponse answers a send-payload event.
type ExtensionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// ReadyInfo answers a ready or ping event.
type ReadyInfo struct {
	Ready bool `json:"ready"`
	Build int  `json:"build"`
}

// Server is the dashboard bridge. It implements orchestrator.DashboardRelay.
type Server struct {
	cfg      config.BridgeConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	rt      Runtime
	ports   map[schemas.TabID]*messaging.Port
	clients map[schemas.TabID]map[*wsClient]struct{}

	handoffs   sync.WaitGroup
	httpServer *http.Server
}

// New creates an unbound bridge. Bind must be called before requests are served.
func New(cfg config.Interface, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg.Bridge(),
		logger:  logger.Named("bridge"),
		ports:   make(map[schemas.TabID]*messaging.Port),
		clients: make(map[schemas.TabID]map[*wsClient]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Bind attaches the bridge to a runtime. Ports cached from a previous runtime are dropped.
func (s *Server) Bind(rt Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rt = rt
	s.ports = make(map[schemas.TabID]*messaging.Port)
}

// Handler returns the HTTP routes of the bridge.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	// The socket route stays outside the request timeout.
	r.Get("/ws/v1/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Minute))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/ready", s.handleReady)
			r.Get("/ping", s.handleReady)
			r.Post("/payload", s.handlePayload)
		})
	})
	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Dashboard bridge listening.", zap.String("address", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bridge server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.handoffs.Wait()
	if err != nil {
		return fmt.Errorf("bridge shutdown failed: %w", err)
	}
	s.logger.Info("Dashboard bridge stopped.")
	return nil
}

// Relay pushes a progress frame to every socket open for tab.
func (s *Server) Relay(_ context.Context, tab schemas.TabID, ev schemas.ProgressEvent) error {
	frame, err := newFrame(FrameProgress, "", ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.clients[tab]
	if len(set) == 0 {
		return fmt.Errorf("%w: %s", ErrNoDashboard, tab)
	}
	for c := range set {
		c.enqueue(frame)
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if tab := tabOf(r); tab != "" {
		if _, err := s.port(tab); err != nil {
			s.writeError(w, err)
			return
		}
	} else if err := s.runtimeUp(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReadyInfo{Ready: true, Build: s.cfg.Build})
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	var payload schemas.AutofillPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, ExtensionResponse{Error: fmt.Sprintf("invalid request body: %v", err), Code: CodeBadRequest})
		return
	}
	status, resp := s.handoff(r.Context(), tabOf(r), &payload)
	writeJSON(w, status, resp)
}

// handoff sends exactly one payload_handoff for the dashboard tab.
func (s *Server) handoff(ctx context.Context, tab schemas.TabID, payload *schemas.AutofillPayload) (int, ExtensionResponse) {
	if tab == "" {
		return http.StatusBadRequest, ExtensionResponse{Error: "dashboard tab id is required", Code: CodeBadRequest}
	}
	if err := payload.Validate(); err != nil {
		return http.StatusBadRequest, ExtensionResponse{Error: err.Error(), Code: CodeInvalidPayload}
	}
	port, err := s.port(tab)
	if err != nil {
		return statusFor(err)
	}

	resp, err := port.Send(ctx, schemas.MsgPayloadHandoff, payload)
	switch {
	case errors.Is(err, messaging.ErrContextInvalidated):
		s.drop(tab)
		return statusFor(ErrContextInvalidated)
	case err != nil:
		s.logger.Warn("Payload handoff failed.", zap.String("tab", string(tab)), zap.Error(err))
		return http.StatusServiceUnavailable, ExtensionResponse{Error: err.Error(), Code: CodeUnavailable}
	case !resp.OK:
		return http.StatusConflict, ExtensionResponse{Error: resp.Error, Code: CodeRejected}
	}
	s.logger.Info("Payload handed off.", zap.String("tab", string(tab)), zap.String("form_code", payload.FormCode))
	return http.StatusOK, ExtensionResponse{OK: true}
}

// port returns the cached port for tab. A cached port whose runtime generation is gone is
// dropped and reported once as invalidated; the next call binds a fresh one.
func (s *Server) port(tab schemas.TabID) (*messaging.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return nil, ErrNotBound
	}
	if s.rt.Closed() {
		return nil, ErrContextInvalidated
	}
	p, ok := s.ports[tab]
	if ok && !p.Valid() {
		delete(s.ports, tab)
		return nil, ErrContextInvalidated
	}
	if !ok {
		p = s.rt.Port(tab)
		s.ports[tab] = p
	}
	return p, nil
}

func (s *Server) drop(tab schemas.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, tab)
}

func (s *Server) runtimeUp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return ErrNotBound
	}
	if s.rt.Closed() {
		return ErrContextInvalidated
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, resp := statusFor(err)
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, ExtensionResponse) {
	switch {
	case errors.Is(err, ErrContextInvalidated):
		return http.StatusGone, ExtensionResponse{Error: InvalidatedMessage, Code: CodeContextInvalidated}
	case errors.Is(err, ErrNotBound):
		return http.StatusServiceUnavailable, ExtensionResponse{Error: err.Error(), Code: CodeUnavailable}
	default:
		return http.StatusInternalServerError, ExtensionResponse{Error: err.Error(), Code: CodeUnavailable}
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !s.originAllowed(r) {
				writeJSON(w, http.StatusForbidden, ExtensionResponse{Error: "origin not allowed", Code: CodeBadRequest})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TabHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tabOf(r *http.Request) schemas.TabID {
	if tab := strings.TrimSpace(r.Header.Get(TabHeader)); tab != "" {
		return schemas.TabID(tab)
	}
	return schemas.TabID(strings.TrimSpace(r.URL.Query().Get("tab")))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
