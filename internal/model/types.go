package model

import (
	"strings"
	"time"
)

// SessionKind distinguishes the two background stream flavors.
type SessionKind string

const (
	SessionKindLog  SessionKind = "log"
	SessionKindExec SessionKind = "exec"
)

func (k SessionKind) Valid() bool {
	return k == SessionKindLog || k == SessionKindExec
}

// MessageType labels every push message sent to a client.
type MessageType string

const (
	MessageInitial MessageType = "initial"
	MessageStream  MessageType = "stream"
	MessageSystem  MessageType = "system"
	MessagePrompt  MessageType = "prompt"
	MessageInput   MessageType = "input"
	MessageOutput  MessageType = "output"
	MessageError   MessageType = "error"
)

// Terminal reports whether a message ends a session from the client's view.
func (t MessageType) Terminal() bool {
	return t == MessageSystem || t == MessageError
}

// Message is one outbound push to the client that owns a session.
type Message struct {
	SessionID string      `json:"session_id,omitempty"`
	UnitID    string      `json:"unit_id"`
	Kind      SessionKind `json:"kind,omitempty"`
	Data      string      `json:"data"`
	Type      MessageType `json:"type"`
	// Final is set on the single message that closes a session.
	Final bool `json:"final,omitempty"`
}

type SessionKey struct {
	ClientID string
	UnitID   string
	Kind     SessionKind
}

func (k SessionKey) String() string {
	return strings.TrimSpace(k.ClientID) + "|" + strings.TrimSpace(k.UnitID) + "|" + string(k.Kind)
}

type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
	HostIP        string `json:"host_ip,omitempty"`
}

// LaunchRecord is the persisted launch configuration the runtime writes for
// every unit it creates.
type LaunchRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Status       string            `json:"status"`
	Hostname     string            `json:"hostname"`
	WorkDir      string            `json:"work_dir"`
	Env          map[string]string `json:"env"`
	Volumes      map[string]string `json:"volumes"`
	NetworkMode  string            `json:"network_mode"`
	PortMappings []PortMapping     `json:"port_mappings"`
	Memory       string            `json:"memory"`
	CPUs         string            `json:"cpus"`
	Created      time.Time         `json:"created"`
}

// SessionRecord is one row of session history.
type SessionRecord struct {
	SessionID string      `json:"session_id" yaml:"session_id"`
	ClientID  string      `json:"client_id" yaml:"client_id"`
	UnitID    string      `json:"unit_id" yaml:"unit_id"`
	Kind      SessionKind `json:"kind" yaml:"kind"`
	Shell     string      `json:"shell,omitempty" yaml:"shell,omitempty"`
	StartedAt time.Time   `json:"started_at" yaml:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	EndReason string      `json:"end_reason,omitempty" yaml:"end_reason,omitempty"`
}

// End reasons recorded for finished sessions.
const (
	EndReasonStopped    = "stopped"
	EndReasonPreempted  = "preempted"
	EndReasonDisconnect = "disconnect"
	EndReasonExited     = "exited"
	EndReasonError      = "error"
	EndReasonShutdown   = "shutdown"
)

// RelaunchRecord audits one attempt to recreate a stopped unit. Args are
// stored with secret env values redacted.
type RelaunchRecord struct {
	RelaunchID  string    `json:"relaunch_id" yaml:"relaunch_id"`
	Ref         string    `json:"ref" yaml:"ref"`
	UnitID      string    `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
	Args        []string  `json:"args,omitempty" yaml:"args,omitempty"`
	ExitCode    int       `json:"exit_code" yaml:"exit_code"`
	ResultCode  string    `json:"result_code" yaml:"result_code"`
	RequestedAt time.Time `json:"requested_at" yaml:"requested_at"`
}
