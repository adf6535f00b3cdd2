// Package streamproto is the framed session protocol spoken over an upgraded
// daemon connection: a 4-byte big-endian length followed by one JSON
// envelope.
package streamproto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/g960059/ctrmux/internal/model"
)

const (
	SchemaVersion   = "ctrmux.stream.v1"
	UpgradeToken    = "ctrmux-stream"
	DefaultMaxFrame = 1 << 20 // 1 MiB
)

// Frame types sent by clients.
const (
	TypeHello     = "hello"
	TypeStartLog  = "start_log"
	TypeStopLog   = "stop_log"
	TypeStartExec = "start_exec"
	TypeExecInput = "exec_input"
	TypeStopExec  = "stop_exec"
	TypePing      = "ping"
)

// Frame types sent by the daemon.
const (
	TypeHelloAck = "hello_ack"
	TypeAck      = "ack"
	TypeMessage  = "message"
	TypeError    = "error"
	TypePong     = "pong"
)

// Ack result codes.
const (
	ResultAccepted  = "accepted"
	ResultStopped   = "stopped"
	ResultQueued    = "queued"
	ResultNotActive = "not_active"
)

var (
	ErrInvalidFrame    = errors.New("streamproto: invalid frame")
	ErrFrameTooLarge   = errors.New("streamproto: frame too large")
	ErrUnsupportedVers = errors.New("streamproto: unsupported schema version")
)

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	FrameSeq      uint64          `json:"frame_seq"`
	SentAt        time.Time       `json:"sent_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(frameType string, frameSeq uint64, requestID string, payload any) (Envelope, error) {
	if strings.TrimSpace(frameType) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          strings.TrimSpace(frameType),
		FrameSeq:      frameSeq,
		SentAt:        time.Now().UTC(),
		RequestID:     strings.TrimSpace(requestID),
		Payload:       body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidFrame)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidFrame, err)
	}
	return nil
}

func WriteFrame(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, maxFrameSize int) (Envelope, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limit {
		return Envelope{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode frame: %v", ErrInvalidFrame, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// HelloPayload opens a connection. ClientName is a free-form label used in
// daemon logs; the daemon assigns the client id returned in hello_ack.
type HelloPayload struct {
	ClientName       string   `json:"client_name,omitempty"`
	ProtocolVersions []string `json:"protocol_versions"`
}

type HelloAckPayload struct {
	ServerID        string   `json:"server_id"`
	ClientID        string   `json:"client_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Features        []string `json:"features,omitempty"`
}

// SessionPayload carries every session request. Tail applies to start_log
// (nil selects the daemon default); Shell to start_exec; Command to
// exec_input.
type SessionPayload struct {
	UnitID  string `json:"unit_id"`
	Shell   string `json:"shell,omitempty"`
	Command string `json:"command,omitempty"`
	Tail    *int   `json:"tail,omitempty"`
}

type AckPayload struct {
	UnitID     string `json:"unit_id"`
	AckKind    string `json:"ack_kind"`
	SessionID  string `json:"session_id,omitempty"`
	ResultCode string `json:"result_code"`
}

type MessagePayload struct {
	SessionID string            `json:"session_id,omitempty"`
	UnitID    string            `json:"unit_id"`
	Kind      model.SessionKind `json:"kind,omitempty"`
	Data      string            `json:"data"`
	Type      model.MessageType `json:"type"`
	Final     bool              `json:"final,omitempty"`
}

func NewMessagePayload(msg model.Message) MessagePayload {
	return MessagePayload{
		SessionID: msg.SessionID,
		UnitID:    msg.UnitID,
		Kind:      msg.Kind,
		Data:      msg.Data,
		Type:      msg.Type,
		Final:     msg.Final,
	}
}

func (p MessagePayload) Message() model.Message {
	return model.Message{
		SessionID: p.SessionID,
		UnitID:    p.UnitID,
		Kind:      p.Kind,
		Data:      p.Data,
		Type:      p.Type,
		Final:     p.Final,
	}
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	UnitID      string `json:"unit_id,omitempty"`
}

type PingPayload struct {
	TS string `json:"ts"`
}

type PongPayload struct {
	TS string `json:"ts"`
}
