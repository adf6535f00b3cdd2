package daemon

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/metrics"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/session"
)

// stallTransport blocks every write until release is closed.
type stallTransport struct {
	release chan struct{}
	mu      sync.Mutex
	writes  []string
	closed  bool
}

func (st *stallTransport) write(frameType, _ string, _ any) error {
	<-st.release
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errClientClosed
	}
	st.writes = append(st.writes, frameType)
	return nil
}

func (st *stallTransport) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

func (st *stallTransport) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

func TestClientQueueOverflowClosesConnection(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutboundQueue = 2
	collector := metrics.New()
	srv := NewServer(cfg, Deps{Sessions: session.New(session.Options{Config: cfg}), Metrics: collector})

	st := &stallTransport{release: make(chan struct{})}
	c := srv.newClientConn(st, "test")

	msg := model.Message{UnitID: "c1", Type: model.MessageStream, Data: "line"}
	// The first message is taken by the stalled write pump; two more fill the
	// queue.
	if err := c.Send(msg); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(c.queue) == 0 }, "write pump to pick up the first frame")
	for i := 0; i < 2; i++ {
		if err := c.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i+2, err)
		}
	}
	if err := c.Send(msg); !errors.Is(err, errQueueOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if !st.isClosed() {
		t.Fatalf("overflow must close the transport")
	}
	if err := c.Send(msg); !errors.Is(err, errClientClosed) {
		t.Fatalf("sends after close must fail fast, got %v", err)
	}
	close(st.release)
	<-c.writerDone
	c.release()

	if !strings.Contains(scrape(t, srv.Handler()), "ctrmux_outbound_queue_overflows_total 1") {
		t.Fatalf("overflow was not counted")
	}
}

func TestClientFinishFlushesQueuedFrames(t *testing.T) {
	cfg := config.DefaultConfig()
	srv := NewServer(cfg, Deps{Sessions: session.New(session.Options{Config: cfg})})
	st := &stallTransport{release: make(chan struct{})}
	c := srv.newClientConn(st, "test")

	for i := 0; i < 3; i++ {
		c.sendError("r", model.ErrCodeProtocol, "bad", true, "")
	}
	c.finish()
	c.sendError("late", model.ErrCodeProtocol, "dropped", true, "")
	close(st.release)
	<-c.writerDone

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.writes) != 3 {
		t.Fatalf("expected the three queued frames to flush, got %d", len(st.writes))
	}
}
