package daemon

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/session"
	"github.com/g960059/ctrmux/internal/streamproto"
)

const (
	defaultOutboundQueue = 256
	writeTimeout         = 10 * time.Second
)

var (
	errClientClosed  = errors.New("client connection closed")
	errQueueOverflow = errors.New("client outbound queue overflow")
)

// transport writes frames to one connected peer. Only the connection's
// write pump calls write.
type transport interface {
	write(frameType, requestID string, payload any) error
	close() error
}

type outbound struct {
	frameType string
	requestID string
	payload   any
}

// clientConn is one connected stream client. Everything sent to the peer,
// session messages included, goes through a bounded queue drained by a
// single write pump; a full queue closes the connection instead of blocking
// the sender.
type clientConn struct {
	srv    *Server
	id     string
	t      transport
	logger *slog.Logger

	queue      chan outbound
	closing    chan struct{}
	done       chan struct{}
	writerDone chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
}

func (s *Server) newClientConn(t transport, kind string) *clientConn {
	size := s.cfg.OutboundQueue
	if size <= 0 {
		size = defaultOutboundQueue
	}
	id := uuid.NewString()
	c := &clientConn{
		srv:        s,
		id:         id,
		t:          t,
		logger:     s.logger.With("client_id", id, "transport", kind),
		queue:      make(chan outbound, size),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.registerClient(c)
	go c.writeLoop()
	c.logger.Info("client connected")
	return c
}

// release runs once the read side has ended: the client's sessions are
// stopped, queued frames are flushed and the connection is closed.
func (c *clientConn) release() {
	if n := c.srv.deps.Sessions.Disconnect(c.id); n > 0 {
		c.logger.Info("client sessions stopped", "count", n)
	}
	c.finish()
	<-c.writerDone
	c.srv.unregisterClient(c)
	c.logger.Info("client disconnected")
}

func (c *clientConn) enqueue(o outbound) error {
	select {
	case <-c.done:
		return errClientClosed
	case <-c.closing:
		return errClientClosed
	default:
	}
	select {
	case c.queue <- o:
		return nil
	default:
		c.logger.Warn("outbound queue full, closing client", "capacity", cap(c.queue))
		if c.srv.deps.Metrics != nil {
			c.srv.deps.Metrics.QueueOverflow()
		}
		c.close()
		return errQueueOverflow
	}
}

// Send implements session.Sink.
func (c *clientConn) Send(msg model.Message) error {
	return c.enqueue(outbound{frameType: streamproto.TypeMessage, payload: streamproto.NewMessagePayload(msg)})
}

func (c *clientConn) sessionClient() session.Client {
	return session.Client{ID: c.id, Sink: c}
}

// finish stops accepting frames and lets the write pump flush what is
// already queued before closing.
func (c *clientConn) finish() {
	c.finishOnce.Do(func() { close(c.closing) })
}

// close drops anything still queued and closes the connection.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.t.close()
	})
}

func (c *clientConn) writeLoop() {
	defer close(c.writerDone)
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case o := <-c.queue:
			if err := c.t.write(o.frameType, o.requestID, o.payload); err != nil {
				c.logger.Debug("client write failed", "error", err)
				return
			}
		case <-c.closing:
			for {
				select {
				case o := <-c.queue:
					if err := c.t.write(o.frameType, o.requestID, o.payload); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *clientConn) sendError(requestID, code, message string, recoverable bool, unitID string) {
	_ = c.enqueue(outbound{
		frameType: streamproto.TypeError,
		requestID: requestID,
		payload: streamproto.ErrorPayload{
			Code:        strings.TrimSpace(code),
			Message:     strings.TrimSpace(message),
			Recoverable: recoverable,
			UnitID:      unitID,
		},
	})
}

func (c *clientConn) ack(requestID, ackKind, unitID, sessionID, result string) {
	_ = c.enqueue(outbound{
		frameType: streamproto.TypeAck,
		requestID: requestID,
		payload: streamproto.AckPayload{
			UnitID:     unitID,
			AckKind:    ackKind,
			SessionID:  sessionID,
			ResultCode: result,
		},
	})
}

// handle dispatches one decoded inbound request. decode fills the request's
// payload. It reports false when the connection must close after the
// frames already queued are flushed.
func (c *clientConn) handle(frameType, requestID string, decode func(dst any) error) bool {
	switch frameType {
	case streamproto.TypeHello:
		return c.handleHello(requestID, decode)
	case streamproto.TypePing:
		var req streamproto.PingPayload
		if err := decode(&req); err != nil || req.TS == "" {
			req.TS = time.Now().UTC().Format(time.RFC3339Nano)
		}
		_ = c.enqueue(outbound{frameType: streamproto.TypePong, requestID: requestID, payload: streamproto.PongPayload{TS: req.TS}})
	case streamproto.TypeStartLog, streamproto.TypeStopLog, streamproto.TypeStartExec,
		streamproto.TypeExecInput, streamproto.TypeStopExec:
		var req streamproto.SessionPayload
		if err := decode(&req); err != nil {
			c.sendError(requestID, model.ErrCodeProtocol, "invalid "+frameType+" payload", true, "")
			return true
		}
		c.handleSession(frameType, requestID, req)
	default:
		c.sendError(requestID, model.ErrCodeProtocol, "unknown frame type", true, "")
	}
	return true
}

func (c *clientConn) handleHello(requestID string, decode func(dst any) error) bool {
	var req streamproto.HelloPayload
	if err := decode(&req); err != nil {
		c.sendError(requestID, model.ErrCodeProtocol, "invalid hello payload", false, "")
		return false
	}
	supported := false
	for _, ver := range req.ProtocolVersions {
		if strings.TrimSpace(ver) == streamproto.SchemaVersion {
			supported = true
			break
		}
	}
	if !supported {
		c.sendError(requestID, model.ErrCodeUnsupported, streamproto.SchemaVersion+" is required", false, "")
		return false
	}
	if name := strings.TrimSpace(req.ClientName); name != "" {
		c.logger.Info("client hello", "client_name", name)
	}
	_ = c.enqueue(outbound{
		frameType: streamproto.TypeHelloAck,
		requestID: requestID,
		payload: streamproto.HelloAckPayload{
			ServerID:        c.srv.serverID,
			ClientID:        c.id,
			ProtocolVersion: streamproto.SchemaVersion,
			Features:        []string{"log_stream", "exec_session", "preempt_on_restart"},
		},
	})
	return true
}

// handleSession acks a start after the session is registered, so the ack may
// follow the session's first messages; both carry the session id.
func (c *clientConn) handleSession(frameType, requestID string, req streamproto.SessionPayload) {
	mux := c.srv.deps.Sessions
	unitID := strings.TrimSpace(req.UnitID)
	switch frameType {
	case streamproto.TypeStartLog:
		tail := -1
		if req.Tail != nil {
			tail = *req.Tail
		}
		s, err := mux.StartLog(c.sessionClient(), unitID, tail)
		if err != nil {
			c.sendSessionError(requestID, unitID, err)
			return
		}
		c.ack(requestID, frameType, unitID, s.ID, streamproto.ResultAccepted)
	case streamproto.TypeStartExec:
		s, err := mux.StartExec(c.sessionClient(), unitID, strings.TrimSpace(req.Shell))
		if err != nil {
			c.sendSessionError(requestID, unitID, err)
			return
		}
		c.ack(requestID, frameType, unitID, s.ID, streamproto.ResultAccepted)
	case streamproto.TypeStopLog, streamproto.TypeStopExec:
		stop := mux.StopLog
		if frameType == streamproto.TypeStopExec {
			stop = mux.StopExec
		}
		err := stop(c.id, unitID)
		switch {
		case err == nil:
			c.ack(requestID, frameType, unitID, "", streamproto.ResultStopped)
		case errors.Is(err, model.ErrNoActiveSession):
			c.ack(requestID, frameType, unitID, "", streamproto.ResultNotActive)
		default:
			c.sendSessionError(requestID, unitID, err)
		}
	case streamproto.TypeExecInput:
		if err := mux.ExecInput(c.id, unitID, req.Command); err != nil {
			c.sendSessionError(requestID, unitID, err)
			return
		}
		c.ack(requestID, frameType, unitID, "", streamproto.ResultQueued)
	}
}

func (c *clientConn) sendSessionError(requestID, unitID string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		c.sendError(requestID, model.ErrRefInvalid, err.Error(), true, unitID)
	case errors.Is(err, session.ErrClosed):
		c.sendError(requestID, model.ErrCodeInternal, "daemon is shutting down", false, unitID)
	default:
		c.sendError(requestID, model.ErrorCode(err), err.Error(), true, unitID)
	}
}
