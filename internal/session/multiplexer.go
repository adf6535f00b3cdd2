package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/logging"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/security"
)

const recordTimeout = 5 * time.Second

// Recorder persists session lifecycle rows.
type Recorder interface {
	RecordStart(ctx context.Context, rec model.SessionRecord) error
	RecordEnd(ctx context.Context, sessionID string, endedAt time.Time, reason string) error
}

type Metrics interface {
	SessionStarted(kind model.SessionKind)
	SessionEnded(kind model.SessionKind, reason string)
	MessageSent(typ model.MessageType)
}

type Options struct {
	Config   config.Config
	Registry *Registry
	Invoker  Invoker
	Spawner  Spawner
	Recorder Recorder
	Metrics  Metrics
	Logger   *slog.Logger
}

// Multiplexer accepts start/stop/input requests from connected clients and
// runs one worker goroutine per session.
type Multiplexer struct {
	cfg      config.Config
	registry *Registry
	invoker  Invoker
	spawner  Spawner
	recorder Recorder
	metrics  Metrics
	logger   *slog.Logger

	// ctx outlives individual sessions; it is canceled only when Shutdown
	// gives up waiting, which kills any remaining children.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	workers sync.WaitGroup
}

func New(opts Options) *Multiplexer {
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		cfg:      opts.Config,
		registry: reg,
		invoker:  opts.Invoker,
		spawner:  opts.Spawner,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "session"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Multiplexer) Registry() *Registry {
	return m.registry
}

// StartLog begins a log stream for unitID. A negative tail selects the
// configured default.
func (m *Multiplexer) StartLog(client Client, unitID string, tail int) (*Session, error) {
	if tail < 0 {
		tail = m.cfg.LogTailDefault
	}
	return m.start(client, unitID, model.SessionKindLog, func(s *Session) {
		s.Tail = tail
	})
}

func (m *Multiplexer) StopLog(clientID, unitID string) error {
	return m.stop(clientID, unitID, model.SessionKindLog)
}

// StartExec opens an interactive shell in unitID. An empty shell selects
// the configured default.
func (m *Multiplexer) StartExec(client Client, unitID, shell string) (*Session, error) {
	if shell == "" {
		shell = m.cfg.DefaultShell
	}
	return m.start(client, unitID, model.SessionKindExec, func(s *Session) {
		s.Shell = shell
	})
}

func (m *Multiplexer) StopExec(clientID, unitID string) error {
	return m.stop(clientID, unitID, model.SessionKindExec)
}

// ExecInput queues one line for the exec session's shell.
func (m *Multiplexer) ExecInput(clientID, unitID, text string) error {
	clientID, unitID, err := normalizeRef(clientID, unitID)
	if err != nil {
		return err
	}
	key := model.SessionKey{ClientID: clientID, UnitID: unitID, Kind: model.SessionKindExec}
	s, ok := m.registry.Lookup(key)
	if !ok || s.Stopped() {
		return fmt.Errorf("%w: %s", model.ErrNoActiveSession, key)
	}
	s.enqueue(text)
	m.logger.Debug("exec input queued", "session_id", s.ID, "unit_id", unitID, "input", security.RedactPayload(text))
	return nil
}

// Disconnect stops and forgets every session owned by clientID.
func (m *Multiplexer) Disconnect(clientID string) int {
	removed := m.registry.RemoveAllForClient(clientID)
	if len(removed) > 0 {
		m.logger.Info("client disconnected", "client_id", clientID, "sessions", len(removed))
	}
	return len(removed)
}

func (m *Multiplexer) Sessions() []Info {
	return m.registry.Snapshot()
}

// Shutdown rejects new sessions, flags every live one and waits for the
// workers to reap their children. If ctx expires first the remaining
// children are killed.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if n := m.registry.StopAll(model.EndReasonShutdown); n > 0 {
		m.logger.Info("stopping sessions", "count", n)
	}
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

func (m *Multiplexer) start(client Client, unitID string, kind model.SessionKind, configure func(*Session)) (*Session, error) {
	clientID, unitID, err := normalizeRef(client.ID, unitID)
	if err != nil {
		return nil, err
	}
	if client.Sink == nil {
		return nil, fmt.Errorf("%w: client sink is required", ErrInvalidRequest)
	}
	client.ID = clientID
	s := newSession(client, unitID, kind)
	configure(s)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.workers.Add(1)
	prev := m.registry.Register(s)
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("session preempted", "session_id", prev.ID, "replaced_by", s.ID, "key", s.Key.String())
	}
	m.logger.Info("session started", "session_id", s.ID, "key", s.Key.String())
	if m.metrics != nil {
		m.metrics.SessionStarted(kind)
	}
	go m.run(s)
	return s, nil
}

func (m *Multiplexer) stop(clientID, unitID string, kind model.SessionKind) error {
	clientID, unitID, err := normalizeRef(clientID, unitID)
	if err != nil {
		return err
	}
	key := model.SessionKey{ClientID: clientID, UnitID: unitID, Kind: kind}
	s, ok := m.registry.Unregister(key, model.EndReasonStopped)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNoActiveSession, key)
	}
	m.logger.Info("session stop requested", "session_id", s.ID, "key", key.String())
	return nil
}

func (m *Multiplexer) run(s *Session) {
	defer m.workers.Done()
	w := &worker{
		m:      m,
		s:      s,
		logger: m.logger.With("session_id", s.ID, "unit_id", s.Key.UnitID, "kind", string(s.Key.Kind)),
	}
	defer w.teardown()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("session worker panic", "panic", r, "stack", string(debug.Stack()))
			w.fail(fmt.Sprintf("internal error: %v", r))
		}
	}()

	m.recordStart(s)
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	switch s.Key.Kind {
	case model.SessionKindLog:
		w.runLog(ctx)
	case model.SessionKindExec:
		w.runExec()
	}
}

func (m *Multiplexer) recordStart(s *Session) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := m.recorder.RecordStart(ctx, model.SessionRecord{
		SessionID: s.ID,
		ClientID:  s.Key.ClientID,
		UnitID:    s.Key.UnitID,
		Kind:      s.Key.Kind,
		Shell:     s.Shell,
		StartedAt: s.StartedAt,
	})
	if err != nil {
		m.logger.Warn("record session start failed", "session_id", s.ID, "error", err)
	}
}

func (m *Multiplexer) recordEnd(s *Session, reason string) {
	if m.metrics != nil {
		m.metrics.SessionEnded(s.Key.Kind, reason)
	}
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.recorder.RecordEnd(ctx, s.ID, time.Now().UTC(), reason); err != nil {
		m.logger.Warn("record session end failed", "session_id", s.ID, "error", err)
	}
}
