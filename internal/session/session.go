// Package session runs per-client background streams bound to runtime
// subprocesses: log followers and interactive exec shells.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/proc"
)

var (
	ErrClosed         = errors.New("multiplexer closed")
	ErrInvalidRequest = errors.New("invalid session request")

	errStopped       = errors.New("session stopped")
	errMissingUnit   = fmt.Errorf("%w: unit id is required", ErrInvalidRequest)
	errMissingClient = fmt.Errorf("%w: client id is required", ErrInvalidRequest)
)

// Sink delivers messages to one connected client. Send must not block and
// must not call back into the Multiplexer; transports queue internally.
type Sink interface {
	Send(msg model.Message) error
}

type SinkFunc func(msg model.Message) error

func (f SinkFunc) Send(msg model.Message) error {
	return f(msg)
}

type Client struct {
	ID   string
	Sink Sink
}

// Process is the subset of *proc.Child a worker drives.
type Process interface {
	Output() <-chan proc.Chunk
	Exited() <-chan struct{}
	ExitErr() error
	Write(ctx context.Context, data string) error
	Terminate(grace time.Duration) error
}

type Spawner interface {
	Spawn(ctx context.Context, args []string, opts proc.Options) (Process, error)
}

type Invoker interface {
	Invoke(ctx context.Context, args []string, timeout time.Duration) (invoker.Result, error)
}

// LauncherSpawner starts runtime subprocesses through a proc.Launcher.
type LauncherSpawner struct {
	Launcher *proc.Launcher
}

func (l LauncherSpawner) Spawn(ctx context.Context, args []string, opts proc.Options) (Process, error) {
	child, err := l.Launcher.Launch(ctx, args, opts)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Session is the control state of one background stream. The stop flag is
// monotonic; once set it is never cleared.
type Session struct {
	ID        string
	Key       model.SessionKey
	Shell     string
	Tail      int
	StartedAt time.Time

	sink Sink

	// emitMu orders stop requests against non-terminal sends so nothing but
	// the terminal message follows a stop.
	emitMu  sync.Mutex
	stopped atomic.Bool
	stopCh  chan struct{}
	reason  string

	inputMu sync.Mutex
	inputs  []string
	inputCh chan struct{}
}

func newSession(client Client, unitID string, kind model.SessionKind) *Session {
	return &Session{
		ID: uuid.NewString(),
		Key: model.SessionKey{
			ClientID: client.ID,
			UnitID:   unitID,
			Kind:     kind,
		},
		StartedAt: time.Now().UTC(),
		sink:      client.Sink,
		stopCh:    make(chan struct{}),
		inputCh:   make(chan struct{}, 1),
	}
}

func (s *Session) Stopped() bool {
	return s.stopped.Load()
}

// Done is closed when a stop has been requested.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}

// StopReason is the end reason given by the first stop request.
// stopContext returns a child of parent that is cancelled once a stop has
// been requested.
func (s *Session) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Session) StopReason() string {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.reason
}

func (s *Session) requestStop(reason string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.stopped.Load() {
		return false
	}
	s.reason = reason
	s.stopped.Store(true)
	close(s.stopCh)
	return true
}

func (s *Session) enqueue(text string) {
	s.inputMu.Lock()
	s.inputs = append(s.inputs, text)
	s.inputMu.Unlock()
	select {
	case s.inputCh <- struct{}{}:
	default:
	}
}

func (s *Session) dequeue() (string, bool) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if len(s.inputs) == 0 {
		return "", false
	}
	text := s.inputs[0]
	s.inputs[0] = ""
	s.inputs = s.inputs[1:]
	return text, true
}

func (s *Session) Pending() int {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	return len(s.inputs)
}

func (s *Session) message(typ model.MessageType, data string) model.Message {
	return model.Message{
		SessionID: s.ID,
		UnitID:    s.Key.UnitID,
		Kind:      s.Key.Kind,
		Data:      data,
		Type:      typ,
	}
}

// send delivers a non-terminal message unless a stop was requested.
func (s *Session) send(msg model.Message) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.stopped.Load() {
		return errStopped
	}
	return s.sink.Send(msg)
}

func (s *Session) sendFinal(msg model.Message) error {
	msg.Final = true
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.sink.Send(msg)
}

func (s *Session) info() Info {
	return Info{
		SessionID: s.ID,
		ClientID:  s.Key.ClientID,
		UnitID:    s.Key.UnitID,
		Kind:      s.Key.Kind,
		Shell:     s.Shell,
		StartedAt: s.StartedAt,
		Pending:   s.Pending(),
		Stopping:  s.Stopped(),
	}
}

// Info is a point-in-time view of a registered session.
type Info struct {
	SessionID string            `json:"session_id" yaml:"session_id"`
	ClientID  string            `json:"client_id" yaml:"client_id"`
	UnitID    string            `json:"unit_id" yaml:"unit_id"`
	Kind      model.SessionKind `json:"kind" yaml:"kind"`
	Shell     string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	StartedAt time.Time         `json:"started_at" yaml:"started_at"`
	Pending   int               `json:"pending_input" yaml:"pending_input"`
	Stopping  bool              `json:"stopping" yaml:"stopping"`
}

func normalizeRef(clientID, unitID string) (string, string, error) {
	clientID = strings.TrimSpace(clientID)
	unitID = strings.TrimSpace(unitID)
	if clientID == "" {
		return "", "", errMissingClient
	}
	if unitID == "" {
		return "", "", errMissingUnit
	}
	return clientID, unitID, nil
}
