package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/caffeineduck/gobridge/executor"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for running a program",
	Long: `Start an HTTP server that runs one program, either to completion or as
long-lived sessions whose functions are called over HTTP.

Endpoints:
  POST   /run                  Run the program (stateless)
  POST   /sessions             Start a session, returns {"session_id":"..."}
  POST   /sessions/{id}/call   Call a function in the session
  DELETE /sessions/{id}        Close session
  GET    /health               Health check
  GET    /metrics              Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("program", "", "Program to serve (required)")
	serveCmd.Flags().Duration("session-ttl", 15*time.Minute, "Close sessions idle for longer than this")
	serveCmd.Flags().StringSlice("cors-origin", nil, "Allow cross-origin requests from origin (repeatable)")
	addSessionFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

const maxRequestBody = 1 << 20

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
	done     chan struct{}
	once     sync.Once
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration) *sessionManager {
	sm := &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

func (sm *sessionManager) create(ctx context.Context, exec *executor.Executor, prog *executor.Program, opts ...executor.Option) (string, *executor.Session, error) {
	session, err := exec.NewSession(ctx, prog, opts...)
	if err != nil {
		return "", nil, err
	}

	id := generateSessionID()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{
		session:  session,
		lastUsed: time.Now(),
	}
	sm.mu.Unlock()
	return id, session, nil
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *sessionManager) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sm.done:
			return
		case now := <-ticker.C:
			sm.expire(now)
		}
	}
}

func (sm *sessionManager) expire(now time.Time) {
	sm.mu.Lock()
	var expired []*executor.Session
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			expired = append(expired, ss.session)
			delete(sm.sessions, id)
			logger.Debug("session expired", zap.String("id", id))
		}
	}
	sm.mu.Unlock()
	for _, s := range expired {
		s.Close()
	}
}

func (sm *sessionManager) closeAll() {
	sm.once.Do(func() { close(sm.done) })
	sm.mu.Lock()
	for id, ss := range sm.sessions {
		ss.session.Close()
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
}

func generateSessionID() string {
	return uuid.NewString()
}

type runRequest struct {
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type runResponse struct {
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type createSessionRequest struct {
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output,omitempty"`
}

type callRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args,omitempty"`
}

type callResponse struct {
	Result     any    `json:"result"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Exited     bool   `json:"exited,omitempty"`
}

// server serves one program. Requests add their args, env and timeout to
// the options from flags and the config file.
type server struct {
	exec     *executor.Executor
	prog     *executor.Program
	cfg      config
	sessions *sessionManager
}

// routes returns the API handler. Responses are gzipped for clients that
// accept it, and cross-origin requests are allowed from corsOrigins.
func (s *server) routes(metrics http.Handler, corsOrigins ...string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/call", s.handleCall).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	var h http.Handler = r
	if len(corsOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(h)
	}
	return gziphandler.GzipHandler(h)
}

// options applies per-request overrides to the server's config.
func (s *server) options(args []string, env map[string]string, timeout string) ([]executor.Option, error) {
	cfg := s.cfg
	if len(args) > 0 {
		cfg.Args = args
	}
	if len(env) > 0 {
		merged := make(map[string]string, len(cfg.Env)+len(env))
		for k, v := range cfg.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		cfg.Env = merged
	}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q", timeout)
		}
		cfg.Timeout.Duration = d
	}
	return cfg.runOptions()
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	opts, err := s.options(req.Args, req.Env, req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Stdin != "" {
		opts = append(opts, executor.WithStdin(strings.NewReader(req.Stdin)))
	}

	result := s.exec.Run(r.Context(), s.prog, opts...)

	resp := runResponse{
		Output:     result.Output,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	writeJSON(w, resp)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	opts, err := s.options(req.Args, req.Env, req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, session, err := s.sessions.create(r.Context(), s.exec, s.prog, opts...)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, createSessionResponse{SessionID: id, Output: session.Output()})
}

func (s *server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req callRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Function == "" {
		http.Error(w, "function required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := session.Call(r.Context(), req.Function, req.Args...)
	resp := callResponse{
		Result:     result,
		Output:     session.Output(),
		DurationMs: time.Since(start).Milliseconds(),
		Exited:     session.Exited(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if resp.Exited || errors.Is(err, executor.ErrSessionClosed) {
		s.sessions.close(id)
	}
	writeJSON(w, resp)
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions.close(mux.Vars(r)["id"]) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	programPath, _ := cmd.Flags().GetString("program")
	ttl, _ := cmd.Flags().GetDuration("session-ttl")
	corsOrigins, _ := cmd.Flags().GetStringSlice("cors-origin")
	if programPath == "" {
		return errors.New("--program is required")
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	prog, err := executor.ProgramFromFile(programPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := executor.NewMetrics(reg)
	if err != nil {
		return err
	}

	exec, err := newExecutor(cmd, cfg, prog, executor.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer exec.Close()

	sessions := newSessionManager(ttl)
	defer sessions.closeAll()

	srv := &server{exec: exec, prog: prog, cfg: cfg, sessions: sessions}
	handler := srv.routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{DisableCompression: true}), corsOrigins...)

	addr := fmt.Sprintf(":%d", port)
	logger.Info("listening", zap.String("addr", addr), zap.String("program", prog.Name()))
	fmt.Fprintf(cmd.ErrOrStderr(), "gobridge server listening on %s\n", addr)
	return http.ListenAndServe(addr, handler)
}
