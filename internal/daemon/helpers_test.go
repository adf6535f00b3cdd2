package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/db"
	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/metrics"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/proc"
	"github.com/g960059/ctrmux/internal/relaunch"
	"github.com/g960059/ctrmux/internal/session"
	"github.com/g960059/ctrmux/internal/statestore"
	"github.com/g960059/ctrmux/internal/streamproto"
	"github.com/g960059/ctrmux/internal/testutil"
)

// fakeRuntime answers the runtime verbs the daemon drives. Unit "missing"
// does not exist.
const fakeRuntime = `#!/bin/sh
case "$1" in
  ls)
    case "$2" in
      ""|-d|--detailed) ;;
      *)
        echo "Error: unknown flag: $2" >&2
        exit 1
        ;;
    esac
    echo "CONTAINER ID   IMAGE    STATUS"
    echo "c1             alpine   running"
    ;;
  inspect)
    if [ "$2" = "missing" ]; then
      echo "Error: no such container: $2" >&2
      exit 1
    fi
    echo "[{\"id\":\"$2\",\"image\":\"alpine\"}]"
    ;;
  logs)
    if [ "$2" = "--follow" ]; then
      i=0
      while true; do
        i=$((i+1))
        echo "live-$i"
        sleep 0.05
      done
    fi
    echo "history-1"
    ;;
  exec)
    shift 3
    exec "$@"
    ;;
  stop|rm)
    echo "$2"
    ;;
  volume)
    if [ "$2" = "ls" ]; then
      echo "NAME"
      echo "data"
    else
      echo "removed $3"
    fi
    ;;
  run)
    echo "new-unit-id"
    ;;
  *)
    echo "unknown command: $1" >&2
    exit 1
    ;;
esac
`

type testEnv struct {
	cfg      config.Config
	srv      *Server
	store    *db.Store
	sessions *session.Multiplexer
	metrics  *metrics.Collector
	stateDir string
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketPath = shortSocketPath(t, "ctrmuxd-test")
	cfg.StateDir = t.TempDir()
	cfg.RuntimeArgs = nil
	cfg.CommandTimeout = 5 * time.Second
	cfg.RetryBackoff = nil
	cfg.LogPollInterval = 20 * time.Millisecond
	cfg.ExecReadWait = 20 * time.Millisecond
	cfg.StopGrace = 500 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	cfg := testConfig(t)
	runtimePath := filepath.Join(t.TempDir(), "runtime")
	if err := os.WriteFile(runtimePath, []byte(fakeRuntime), 0o755); err != nil {
		t.Fatalf("write fake runtime: %v", err)
	}
	cfg.RuntimeBinary = runtimePath

	store, _ := testutil.NewStore(t)
	collector := metrics.New()
	health := invoker.NewHealthTracker(invoker.DefaultHealthPolicy())
	iv := invoker.New(cfg, invoker.WithObserver(collector), invoker.WithObserver(health))
	sessions := session.New(session.Options{
		Config:   cfg,
		Invoker:  iv,
		Spawner:  session.LauncherSpawner{Launcher: proc.NewLauncher(cfg)},
		Recorder: store,
		Metrics:  collector,
	})
	rec := relaunch.NewReconstructor(statestore.New(cfg.StateDir, nil), iv, cfg.CommandTimeout, nil)
	rec.SetObserver(collector)
	srv := NewServer(cfg, Deps{
		Invoker:    iv,
		Sessions:   sessions,
		Relauncher: rec,
		Health:     health,
		Store:      store,
		Metrics:    collector,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})
	return &testEnv{cfg: cfg, srv: srv, store: store, sessions: sessions, metrics: collector, stateDir: cfg.StateDir}
}

// start serves env on its Unix socket until the test ends.
func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.srv.Start(ctx)
	}()
	waitForSocket(t, e.cfg.SocketPath, errCh)
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Errorf("timeout waiting for daemon shutdown")
		}
	})
}

func (e *testEnv) writeRecord(t *testing.T, rec model.LaunchRecord) {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := os.WriteFile(filepath.Join(e.stateDir, rec.ID+".json"), raw, 0o600); err != nil {
		t.Fatalf("write record: %v", err)
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v body=%q", err, rec.Body.String())
	}
	return out
}

func shortSocketPath(t *testing.T, prefix string) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.sock", prefix, time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = os.Remove(path)
		_ = os.Remove(path + ".lock")
	})
	return path
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}

func udsClient(socketPath string) *http.Client {
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
}

// streamPeer is the client side of an upgraded framed stream.
type streamPeer struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	seq  uint64
}

func dialStream(t *testing.T, socketPath string) *streamPeer {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial unix: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	p := &streamPeer{t: t, conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
	req := "GET /v1/stream HTTP/1.1\r\nHost: unix\r\nConnection: Upgrade\r\nUpgrade: " + streamproto.UpgradeToken + "\r\n\r\n"
	if _, err := p.bw.WriteString(req); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}
	if err := p.bw.Flush(); err != nil {
		t.Fatalf("flush upgrade request: %v", err)
	}
	status, err := p.br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("expected 101 switching protocols, got %q", status)
	}
	for {
		line, err := p.br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header line: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	return p
}

func (p *streamPeer) send(frameType, requestID string, payload any) {
	p.t.Helper()
	p.seq++
	env, err := streamproto.NewEnvelope(frameType, p.seq, requestID, payload)
	if err != nil {
		p.t.Fatalf("new envelope(%s): %v", frameType, err)
	}
	if err := streamproto.WriteFrame(p.bw, env); err != nil {
		p.t.Fatalf("write frame(%s): %v", frameType, err)
	}
	if err := p.bw.Flush(); err != nil {
		p.t.Fatalf("flush frame(%s): %v", frameType, err)
	}
}

func (p *streamPeer) read() streamproto.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	env, err := streamproto.ReadFrame(p.br, streamproto.DefaultMaxFrame)
	if err != nil {
		p.t.Fatalf("read frame: %v", err)
	}
	return env
}

// readUntil reads frames until match returns true and returns every frame
// read, the matching one last.
func (p *streamPeer) readUntil(match func(streamproto.Envelope) bool) []streamproto.Envelope {
	p.t.Helper()
	var seen []streamproto.Envelope
	for i := 0; i < 500; i++ {
		env := p.read()
		seen = append(seen, env)
		if match(env) {
			return seen
		}
	}
	p.t.Fatalf("no matching frame in %d frames", len(seen))
	return nil
}

// readUntilAll reads frames until every condition has matched at least once.
func (p *streamPeer) readUntilAll(conds ...func(streamproto.Envelope) bool) []streamproto.Envelope {
	p.t.Helper()
	matched := make([]bool, len(conds))
	remaining := len(conds)
	return p.readUntil(func(env streamproto.Envelope) bool {
		for i, cond := range conds {
			if !matched[i] && cond(env) {
				matched[i] = true
				remaining--
			}
		}
		return remaining == 0
	})
}

func isMessage(typ model.MessageType) func(streamproto.Envelope) bool {
	return func(env streamproto.Envelope) bool {
		if env.Type != streamproto.TypeMessage {
			return false
		}
		var msg streamproto.MessagePayload
		return env.DecodePayload(&msg) == nil && msg.Type == typ
	}
}

func isAck(ackKind, result string) func(streamproto.Envelope) bool {
	return func(env streamproto.Envelope) bool {
		if env.Type != streamproto.TypeAck {
			return false
		}
		var ack streamproto.AckPayload
		return env.DecodePayload(&ack) == nil && ack.AckKind == ackKind && ack.ResultCode == result
	}
}

func messagesOf(t *testing.T, frames []streamproto.Envelope) []streamproto.MessagePayload {
	t.Helper()
	var out []streamproto.MessagePayload
	for _, env := range frames {
		if env.Type != streamproto.TypeMessage {
			continue
		}
		var msg streamproto.MessagePayload
		if err := env.DecodePayload(&msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doRequest(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	return rec.Body.String()
}
