package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmgate/instance"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionBusy   = errors.New("session busy")
)

// Session keeps one instance alive across calls so a guest can yield in one
// call and be resumed in a later one.
type Session struct {
	exec *Executor
	inst *instance.Instance
	cfg  sessionConfig

	// runCtx outlives individual calls: the guest's wazero call is bound to
	// it for as long as the guest stays yielded.
	runCtx context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	execMu  sync.Mutex
	closed  bool
	created time.Time
	lastUse time.Time
}

type sessionConfig struct {
	timeout time.Duration
	run     []Option
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		timeout: 30 * time.Second,
	}
}

type SessionOption func(*sessionConfig)

// WithSessionTimeout bounds each Run or Resume. A call that times out
// terminates the instance.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.timeout = d
	}
}

// WithInstanceOptions passes instance options (WithKV, WithEmbed, ...) to
// the session's instance.
func WithInstanceOptions(opts ...Option) SessionOption {
	return func(c *sessionConfig) {
		c.run = append(c.run, opts...)
	}
}

func (e *Executor) NewSession(ctx context.Context, prog Program, opts ...SessionOption) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	inst, err := e.NewInstance(ctx, prog, cfg.run...)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		exec:    e,
		inst:    inst,
		cfg:     cfg,
		runCtx:  runCtx,
		cancel:  cancel,
		created: now,
		lastUse: now,
	}
	e.metrics.sessionOpened()
	return s, nil
}

// ID returns the session's instance ID.
func (s *Session) ID() uuid.UUID {
	return s.inst.ID()
}

// Instance returns the underlying instance.
func (s *Session) Instance() *instance.Instance {
	return s.inst
}

// State returns the instance state.
func (s *Session) State() instance.StateKind {
	return s.inst.State()
}

// LastUsed returns when Run or Resume last finished.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUse
}

// Run starts export. It fails with ErrSessionBusy while another call on the
// session is in progress.
func (s *Session) Run(ctx context.Context, export string, args ...uint64) Result {
	return s.do(ctx, func(runCtx context.Context) (instance.RunResult, error) {
		return s.inst.Run(runCtx, export, args...)
	})
}

// Resume continues a yielded guest. A nil val resumes with no value.
func (s *Session) Resume(ctx context.Context, val any) Result {
	return s.do(ctx, func(runCtx context.Context) (instance.RunResult, error) {
		if val == nil {
			return s.inst.Resume(runCtx)
		}
		return s.inst.ResumeWithVal(runCtx, val)
	})
}

type outcome struct {
	res instance.RunResult
	err error
}

// do runs call on the session's run context. A caller that stops waiting
// gets its context's error back while the call carries on, still bounded by
// the session timeout; the session stays busy until the call ends. Only the
// session timeout stops the guest.
func (s *Session) do(ctx context.Context, call func(context.Context) (instance.RunResult, error)) Result {
	start := time.Now()

	if !s.execMu.TryLock() {
		return Result{Error: ErrSessionBusy, Duration: time.Since(start)}
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.execMu.Unlock()
		return Result{Error: ErrSessionClosed, Duration: time.Since(start)}
	}

	deadline, stop := context.Background(), context.CancelFunc(func() {})
	if s.cfg.timeout > 0 {
		deadline, stop = context.WithTimeout(context.Background(), s.cfg.timeout)
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := call(s.runCtx)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return s.finish(start, stop, Result{Run: o.res, Error: o.err})
	case <-deadline.Done():
		return s.finish(start, stop, s.expire(done))
	case <-ctx.Done():
		go func() {
			var r Result
			select {
			case o := <-done:
				r = Result{Run: o.res, Error: o.err}
			case <-deadline.Done():
				r = s.expire(done)
			}
			s.finish(start, stop, r)
		}()
		s.exec.log.Debug("session call detached", zap.Stringer("session", s.ID()), zap.Error(ctx.Err()))
		return Result{Error: ctx.Err(), Duration: time.Since(start)}
	}
}

// expire stops the guest once the session timeout has passed and waits for
// the call to unwind.
func (s *Session) expire(done <-chan outcome) Result {
	s.cancel()
	o := <-done
	r := Result{Run: o.res, Error: o.err}
	if r.Error == nil {
		r.Error = fmt.Errorf("timeout after %v", s.cfg.timeout)
	}
	s.exec.log.Debug("session call timed out", zap.Stringer("session", s.ID()))
	return r
}

// finish records a completed call and frees the session.
func (s *Session) finish(start time.Time, stop context.CancelFunc, r Result) Result {
	stop()
	r.Duration = time.Since(start)

	s.mu.Lock()
	s.lastUse = time.Now()
	s.mu.Unlock()

	s.exec.metrics.observe(r)
	s.execMu.Unlock()
	return r
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Stop an in-flight call and wait for it before tearing the instance
	// down.
	if !s.execMu.TryLock() {
		s.cancel()
		s.execMu.Lock()
	}
	defer s.execMu.Unlock()

	err := s.inst.Close(context.Background())
	s.cancel()
	s.exec.metrics.sessionClosed()
	return err
}
