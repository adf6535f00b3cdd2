package daemon

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/ctrmux/internal/model"
)

const (
	wsMaxMessage = 1 << 20
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsEvent is the JSON text message exchanged with WebSocket viewers.
type wsEvent struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type wsTransport struct {
	conn *websocket.Conn
	seq  atomic.Uint64
}

func (wt *wsTransport) write(frameType, requestID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = wt.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wt.conn.WriteJSON(wsEvent{
		Event:     frameType,
		RequestID: requestID,
		Seq:       wt.seq.Add(1),
		Data:      data,
	})
}

func (wt *wsTransport) close() error {
	_ = wt.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"),
		time.Now().Add(time.Second),
	)
	return wt.conn.Close()
}

// websocketHandler serves /v1/ws. Unix socket peers must share the daemon's
// uid; TCP peers are accepted when http_addr is configured.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if _, isUnix := conn.NetConn().(*net.UnixConn); isUnix {
		if err := verifyPeer(conn.NetConn()); err != nil {
			s.logger.Warn("websocket peer rejected", "error", err)
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "peer rejected"),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
			return
		}
	}
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	wt := &wsTransport{conn: conn}
	c := s.newClientConn(wt, "websocket")
	defer c.release()
	go s.pingLoop(c, conn)
	s.readEvents(c, conn)
}

func (s *Server) readEvents(c *clientConn, conn *websocket.Conn) {
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("", model.ErrCodeProtocol, "invalid websocket message", true, "")
				continue
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		data := ev.Data
		keep := c.handle(ev.Event, ev.RequestID, func(dst any) error {
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			return json.Unmarshal(data, dst)
		})
		if !keep {
			return
		}
	}
}

func (s *Server) pingLoop(c *clientConn, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.writerDone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
