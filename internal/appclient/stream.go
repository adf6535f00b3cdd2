package appclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/g960059/ctrmux/internal/streamproto"
)

var ErrStreamUnavailable = errors.New("appclient: stream requires a unix socket client")

// Stream is one upgraded session connection. Send is safe for concurrent use;
// Recv must be called from a single goroutine.
type Stream struct {
	conn net.Conn
	br   *bufio.Reader

	mu  sync.Mutex
	seq uint64
	req uint64
}

// OpenStream upgrades a new connection to the framed session protocol and
// performs the hello exchange.
func (c *Client) OpenStream(ctx context.Context, clientName string) (*Stream, streamproto.HelloAckPayload, error) {
	if c == nil || c.dial == nil {
		return nil, streamproto.HelloAckPayload{}, ErrStreamUnavailable
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, streamproto.HelloAckPayload{}, fmt.Errorf("dial daemon: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	s, err := upgrade(conn)
	if err != nil {
		_ = conn.Close()
		return nil, streamproto.HelloAckPayload{}, err
	}
	ack, err := s.hello(clientName)
	if err != nil {
		_ = conn.Close()
		return nil, streamproto.HelloAckPayload{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return s, ack, nil
}

func upgrade(conn net.Conn) (*Stream, error) {
	req, err := http.NewRequest(http.MethodGet, "http://unix/v1/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", streamproto.UpgradeToken)
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write upgrade request: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read upgrade response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return &Stream{conn: conn, br: br}, nil
}

func (s *Stream) hello(clientName string) (streamproto.HelloAckPayload, error) {
	requestID, err := s.Send(streamproto.TypeHello, streamproto.HelloPayload{
		ClientName:       clientName,
		ProtocolVersions: []string{streamproto.SchemaVersion},
	})
	if err != nil {
		return streamproto.HelloAckPayload{}, err
	}
	env, err := s.Recv()
	if err != nil {
		return streamproto.HelloAckPayload{}, fmt.Errorf("read hello_ack: %w", err)
	}
	if env.Type == streamproto.TypeError {
		return streamproto.HelloAckPayload{}, FrameError(env)
	}
	if env.Type != streamproto.TypeHelloAck || env.RequestID != requestID {
		return streamproto.HelloAckPayload{}, fmt.Errorf("unexpected %s frame during hello", env.Type)
	}
	var ack streamproto.HelloAckPayload
	if err := env.DecodePayload(&ack); err != nil {
		return streamproto.HelloAckPayload{}, err
	}
	return ack, nil
}

// Send writes one frame and returns the request id it was tagged with.
func (s *Stream) Send(frameType string, payload any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.req++
	requestID := "req-" + strconv.FormatUint(s.req, 10)
	env, err := streamproto.NewEnvelope(frameType, s.seq, requestID, payload)
	if err != nil {
		return "", err
	}
	if err := streamproto.WriteFrame(s.conn, env); err != nil {
		return "", err
	}
	return requestID, nil
}

func (s *Stream) Recv() (streamproto.Envelope, error) {
	return streamproto.ReadFrame(s.br, streamproto.DefaultMaxFrame)
}

func (s *Stream) StartLog(unitID string, tail *int) (string, error) {
	return s.Send(streamproto.TypeStartLog, streamproto.SessionPayload{UnitID: unitID, Tail: tail})
}

func (s *Stream) StopLog(unitID string) (string, error) {
	return s.Send(streamproto.TypeStopLog, streamproto.SessionPayload{UnitID: unitID})
}

func (s *Stream) StartExec(unitID, shell string) (string, error) {
	return s.Send(streamproto.TypeStartExec, streamproto.SessionPayload{UnitID: unitID, Shell: shell})
}

func (s *Stream) ExecInput(unitID, command string) (string, error) {
	return s.Send(streamproto.TypeExecInput, streamproto.SessionPayload{UnitID: unitID, Command: command})
}

func (s *Stream) StopExec(unitID string) (string, error) {
	return s.Send(streamproto.TypeStopExec, streamproto.SessionPayload{UnitID: unitID})
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

// FrameError converts an error frame into a RequestError carrying the
// daemon's code.
func FrameError(env streamproto.Envelope) error {
	var payload streamproto.ErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("decode error frame: %w", err)
	}
	return &RequestError{Code: payload.Code, Message: payload.Message}
}
