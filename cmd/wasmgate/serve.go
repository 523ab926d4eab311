package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/executor"
	"github.com/caffeineduck/wasmgate/hostfunc"
	"github.com/caffeineduck/wasmgate/instance"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <module.wasm>...",
		Short: "Start HTTP server exposing instances",
		Long: `Start an HTTP server that keeps instances alive between requests, so a
guest can yield in one request and be resumed by a later one.

Endpoints:
  POST   /instances              Create instance, returns {"id":"..."}
  POST   /instances/{id}/run     Call an export {"export":"run","args":[1]}
  POST   /instances/{id}/resume  Resume a yielded guest {"value":7}
  DELETE /instances/{id}         Close instance
  GET    /health                 Health check
  GET    /metrics                Prometheus metrics`,
		Args: cobra.MinimumNArgs(1),
		RunE: runServe,
	}
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().Duration("timeout", 30*time.Second, "Timeout of each run or resume")
	cmd.Flags().Duration("ttl", 15*time.Minute, "Close instances idle for longer than this")
	cmd.Flags().Bool("kv", false, "Share one key-value store between all instances")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	return cmd
}

type sessionManager struct {
	sessions map[uuid.UUID]*executor.Session
	mu       sync.RWMutex
	ttl      time.Duration
}

func newSessionManager(ttl time.Duration) *sessionManager {
	return &sessionManager{
		sessions: make(map[uuid.UUID]*executor.Session),
		ttl:      ttl,
	}
}

func (sm *sessionManager) add(s *executor.Session) {
	sm.mu.Lock()
	sm.sessions[s.ID()] = s
	sm.mu.Unlock()
}

func (sm *sessionManager) get(id uuid.UUID) (*executor.Session, bool) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	return s, ok
}

func (sm *sessionManager) close(id uuid.UUID) bool {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// expire closes sessions idle for longer than the TTL and returns how many
// it closed.
func (sm *sessionManager) expire(now time.Time) int {
	sm.mu.Lock()
	var stale []*executor.Session
	for id, s := range sm.sessions {
		if now.Sub(s.LastUsed()) > sm.ttl {
			stale = append(stale, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()
	for _, s := range stale {
		s.Close()
	}
	return len(stale)
}

func (sm *sessionManager) cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sm.expire(now); n > 0 {
				instance.Logger().Debug("expired idle instances", zap.Int("count", n))
			}
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[uuid.UUID]*executor.Session)
	sm.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

type createRequest struct {
	Program string `json:"program,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

type runRequest struct {
	Export string   `json:"export"`
	Args   []string `json:"args,omitempty"`
}

type resumeRequest struct {
	// Value resumes the guest with an int64; omitted resumes without one.
	Value *int64 `json:"value,omitempty"`
}

type runResponse struct {
	State       string   `json:"state"`
	Outcome     string   `json:"outcome,omitempty"`
	Values      []uint64 `json:"values,omitempty"`
	Yield       any      `json:"yield,omitempty"`
	Termination string   `json:"termination,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	Error       string   `json:"error,omitempty"`
}

type server struct {
	exec     *executor.Executor
	programs map[string]executor.Program
	fallback string
	opts     []executor.SessionOption
	sessions *sessionManager
	gatherer prometheus.Gatherer
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/instances", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/run", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	name := req.Program
	if name == "" {
		name = s.fallback
	}
	prog, ok := s.programs[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown program %q", name), http.StatusBadRequest)
		return
	}

	session, err := s.exec.NewSession(r.Context(), prog, s.opts...)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create instance: %v", err), http.StatusInternalServerError)
		return
	}
	s.sessions.add(session)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createResponse{ID: session.ID().String()})
}

func (s *server) session(w http.ResponseWriter, r *http.Request) (*executor.Session, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return nil, false
	}
	session, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "instance not found", http.StatusNotFound)
		return nil, false
	}
	return session, true
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Export == "" {
		http.Error(w, "export required", http.StatusBadRequest)
		return
	}
	params, err := parseValues(req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, session, session.Run(r.Context(), req.Export, params...))
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var val any
	if req.Value != nil {
		val = *req.Value
	}
	s.respond(w, session, session.Resume(r.Context(), val))
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}
	if !s.sessions.close(id) {
		http.Error(w, "instance not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) respond(w http.ResponseWriter, session *executor.Session, result executor.Result) {
	resp := runResponse{
		State:      session.State().String(),
		DurationMs: result.Duration.Milliseconds(),
	}
	status := http.StatusOK
	switch {
	case result.Error != nil:
		resp.Error = result.Error.Error()
		if errors.Is(result.Error, executor.ErrSessionBusy) {
			status = http.StatusConflict
		}
	case result.Run.Returned():
		resp.Outcome = result.Run.Kind.String()
		resp.Values = result.Run.Values
	case result.Run.Yielded():
		resp.Outcome = result.Run.Kind.String()
		resp.Yield = result.Run.Yield.Value
	default:
		resp.Outcome = result.Run.Kind.String()
		resp.Termination = result.Run.Termination.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	enableKV, _ := cmd.Flags().GetBool("kv")
	mounts, _ := cmd.Flags().GetStringSlice("mount")

	programs := make(map[string]executor.Program, len(args))
	var progs []executor.Program
	for _, path := range args {
		prog, err := executor.LoadProgram(path)
		if err != nil {
			return err
		}
		programs[prog.Name()] = prog
		progs = append(progs, prog)
	}

	var instOpts []executor.Option
	if enableKV {
		instOpts = append(instOpts, executor.WithKV(hostfunc.NewKV(hostfunc.DefaultKVConfig())))
	}
	for _, spec := range mounts {
		m, err := parseMount(spec)
		if err != nil {
			return err
		}
		instOpts = append(instOpts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}

	reg := prometheus.NewRegistry()
	exec, err := newExecutor(cmd, executor.WithPrecompile(progs...), executor.WithMetrics(reg))
	if err != nil {
		return err
	}
	defer exec.Close()

	sessions := newSessionManager(ttl)
	defer sessions.closeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.cleanup(ctx, time.Minute)

	srv := &server{
		exec:     exec,
		programs: programs,
		fallback: progs[0].Name(),
		opts: []executor.SessionOption{
			executor.WithSessionTimeout(timeout),
			executor.WithInstanceOptions(instOpts...),
		},
		sessions: sessions,
		gatherer: reg,
	}

	addr := fmt.Sprintf(":%d", port)
	fmt.Fprintf(os.Stderr, "wasmgate server listening on %s\n", addr)
	return http.ListenAndServe(addr, srv.routes())
}
