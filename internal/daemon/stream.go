package daemon

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/streamproto"
)

// frameTransport speaks the length-prefixed envelope protocol over a
// hijacked connection.
type frameTransport struct {
	conn net.Conn
	rw   *bufio.ReadWriter
	seq  atomic.Uint64
}

func (ft *frameTransport) write(frameType, requestID string, payload any) error {
	env, err := streamproto.NewEnvelope(frameType, ft.seq.Add(1), requestID, payload)
	if err != nil {
		return err
	}
	_ = ft.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := streamproto.WriteFrame(ft.rw, env); err != nil {
		return err
	}
	return ft.rw.Flush()
}

func (ft *frameTransport) close() error {
	return ft.conn.Close()
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), streamproto.UpgradeToken) {
		s.writeError(w, http.StatusUpgradeRequired, model.ErrRefInvalid, "upgrade header is required")
		return
	}
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "connection upgrade header is required")
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "hijack not supported")
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to hijack stream")
		return
	}
	if err := verifyPeer(conn); err != nil {
		s.logger.Warn("stream peer rejected", "error", err)
		_, _ = rw.WriteString("HTTP/1.1 403 Forbidden\r\nConnection: close\r\n\r\n")
		_ = rw.Flush()
		_ = conn.Close()
		return
	}
	if _, err := rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: " + streamproto.UpgradeToken + "\r\nConnection: Upgrade\r\n\r\n"); err != nil {
		_ = conn.Close()
		return
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return
	}

	ft := &frameTransport{conn: conn, rw: rw}
	c := s.newClientConn(ft, "stream")
	defer c.release()
	s.readFrames(c, ft)
}

func (s *Server) readFrames(c *clientConn, ft *frameTransport) {
	for {
		env, err := streamproto.ReadFrame(ft.rw, streamproto.DefaultMaxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			code := model.ErrCodeProtocol
			if errors.Is(err, streamproto.ErrUnsupportedVers) {
				code = model.ErrCodeUnsupported
			}
			c.sendError("", code, "invalid stream frame", false, "")
			return
		}
		if !c.handle(env.Type, env.RequestID, env.DecodePayload) {
			return
		}
	}
}
