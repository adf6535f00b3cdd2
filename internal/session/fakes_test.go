package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/proc"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.LogPollInterval = 10 * time.Millisecond
	cfg.ExecReadWait = 10 * time.Millisecond
	cfg.StopGrace = 200 * time.Millisecond
	cfg.CommandTimeout = 2 * time.Second
	return cfg
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []model.Message
	err  error
}

func (s *recordingSink) Send(msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.msgs...)
}

func (s *recordingSink) finals() []model.Message {
	var out []model.Message
	for _, msg := range s.messages() {
		if msg.Final {
			out = append(out, msg)
		}
	}
	return out
}

func (s *recordingSink) waitFinal(t *testing.T, sessionID string) model.Message {
	t.Helper()
	var final model.Message
	require.Eventually(t, func() bool {
		for _, msg := range s.messages() {
			if msg.Final && msg.SessionID == sessionID {
				final = msg
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return final
}

func (s *recordingSink) waitFor(t *testing.T, typ model.MessageType, data string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return indexOf(s.messages(), typ, data) >= 0
	}, 3*time.Second, 5*time.Millisecond, "waiting for %s %q", typ, data)
}

func indexOf(msgs []model.Message, typ model.MessageType, data string) int {
	for i, msg := range msgs {
		if msg.Type == typ && strings.Contains(msg.Data, data) {
			return i
		}
	}
	return -1
}

// requireSingleTerminal checks that a session produced exactly one final
// message and nothing after it.
func requireSingleTerminal(t *testing.T, msgs []model.Message, sessionID string) model.Message {
	t.Helper()
	var (
		final    model.Message
		finals   int
		afterEnd int
	)
	for _, msg := range msgs {
		if msg.SessionID != sessionID {
			continue
		}
		if finals > 0 {
			afterEnd++
		}
		if msg.Final {
			finals++
			final = msg
		}
	}
	require.Equal(t, 1, finals, "terminal messages")
	require.Zero(t, afterEnd, "messages after terminal")
	require.True(t, final.Type.Terminal())
	return final
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]invoker.Result
	errs    map[string]error
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		results: map[string]invoker.Result{
			"inspect": {Stdout: `[{"id":"c1"}]`},
			"logs":    {Stdout: "old-1\nold-2\n"},
		},
		errs: map[string]error{},
	}
}

func (f *fakeInvoker) Invoke(_ context.Context, args []string, _ time.Duration) (invoker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), args...))
	return f.results[args[0]], f.errs[args[0]]
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProcess struct {
	out      chan proc.Chunk
	exitedCh chan struct{}
	exitOnce sync.Once
	exitErr  error

	mu         sync.Mutex
	writes     []string
	echo       func(input string) string
	stalled    bool
	terminated atomic.Int32
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		out:      make(chan proc.Chunk, 64),
		exitedCh: make(chan struct{}),
	}
}

func (p *fakeProcess) Output() <-chan proc.Chunk { return p.out }

func (p *fakeProcess) Exited() <-chan struct{} { return p.exitedCh }

func (p *fakeProcess) ExitErr() error {
	select {
	case <-p.exitedCh:
		return p.exitErr
	default:
		return nil
	}
}

func (p *fakeProcess) Write(ctx context.Context, data string) error {
	select {
	case <-p.exitedCh:
		return errors.New("process exited")
	default:
	}
	p.mu.Lock()
	p.writes = append(p.writes, data)
	echo := p.echo
	stalled := p.stalled
	p.mu.Unlock()
	if stalled {
		// Mimics a full stdin pipe: only cancellation or exit frees it.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.exitedCh:
			return errors.New("process exited")
		}
	}
	if echo != nil {
		p.out <- proc.Chunk{Data: echo(strings.TrimSuffix(data, "\n"))}
	}
	return nil
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.terminated.Add(1)
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		close(p.exitedCh)
	})
}

func (p *fakeProcess) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	calls [][]string
	procs []*fakeProcess
	err   error
	hook  func(args []string) *fakeProcess
}

func (f *fakeSpawner) Spawn(_ context.Context, args []string, _ proc.Options) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), args...))
	if f.err != nil {
		return nil, f.err
	}
	var p *fakeProcess
	if f.hook != nil {
		p = f.hook(args)
	}
	if p == nil {
		p = newFakeProcess()
	}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) process(t *testing.T, i int) *fakeProcess {
	t.Helper()
	var p *fakeProcess
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.procs) > i {
			p = f.procs[i]
			return true
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return p
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	mu     sync.Mutex
	starts []model.SessionRecord
	ends   map[string]string
}

func (r *fakeRecorder) RecordStart(_ context.Context, rec model.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, rec)
	return nil
}

func (r *fakeRecorder) RecordEnd(_ context.Context, sessionID string, _ time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ends == nil {
		r.ends = map[string]string{}
	}
	r.ends[sessionID] = reason
	return nil
}

func (r *fakeRecorder) endReason(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.ends[sessionID]
	return reason, ok
}

type countingMetrics struct {
	started atomic.Int32
	ended   atomic.Int32
	sent    atomic.Int32
}

func (c *countingMetrics) SessionStarted(model.SessionKind) { c.started.Add(1) }

func (c *countingMetrics) SessionEnded(model.SessionKind, string) { c.ended.Add(1) }

func (c *countingMetrics) MessageSent(model.MessageType) { c.sent.Add(1) }

type harness struct {
	mux      *Multiplexer
	invoker  *fakeInvoker
	spawner  *fakeSpawner
	recorder *fakeRecorder
	metrics  *countingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		invoker:  newFakeInvoker(),
		spawner:  &fakeSpawner{},
		recorder: &fakeRecorder{},
		metrics:  &countingMetrics{},
	}
	h.mux = New(Options{
		Config:   testConfig(),
		Invoker:  h.invoker,
		Spawner:  h.spawner,
		Recorder: h.recorder,
		Metrics:  h.metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.mux.Shutdown(ctx)
	})
	return h
}
