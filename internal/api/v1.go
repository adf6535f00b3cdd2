package api

import (
	"encoding/json"
	"time"

	"github.com/g960059/ctrmux/internal/model"
)

const SchemaVersion = "ctrmux.api.v1"

type APIError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	Error         APIError  `json:"error" yaml:"error"`
}

// CommandResponse reports one runtime invocation passed through verbatim.
type CommandResponse struct {
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	Command       []string  `json:"command" yaml:"command"`
	ExitCode      int       `json:"exit_code" yaml:"exit_code"`
	Stdout        string    `json:"stdout" yaml:"stdout"`
	Stderr        string    `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	DurationMS    int64     `json:"duration_ms" yaml:"duration_ms"`
}

// ListResponse carries the runtime's tabular output split into lines.
// Parsing the columns is left to the caller.
type ListResponse struct {
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	Lines         []string  `json:"lines" yaml:"lines"`
}

type InspectResponse struct {
	SchemaVersion string          `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at" yaml:"generated_at"`
	UnitID        string          `json:"unit_id" yaml:"unit_id"`
	Raw           json.RawMessage `json:"raw,omitempty" yaml:"-"`
	Text          string          `json:"text,omitempty" yaml:"text,omitempty"`
}

type RelaunchResponse struct {
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	RelaunchID    string    `json:"relaunch_id" yaml:"relaunch_id"`
	Ref           string    `json:"ref" yaml:"ref"`
	UnitID        string    `json:"unit_id" yaml:"unit_id"`
	Args          []string  `json:"args" yaml:"args"`
	ExitCode      int       `json:"exit_code" yaml:"exit_code"`
	Stdout        string    `json:"stdout" yaml:"stdout"`
	Stderr        string    `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

type SessionItem struct {
	SessionID    string            `json:"session_id" yaml:"session_id"`
	ClientID     string            `json:"client_id" yaml:"client_id"`
	UnitID       string            `json:"unit_id" yaml:"unit_id"`
	Kind         model.SessionKind `json:"kind" yaml:"kind"`
	Shell        string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	StartedAt    time.Time         `json:"started_at" yaml:"started_at"`
	PendingInput int               `json:"pending_input" yaml:"pending_input"`
	Stopping     bool              `json:"stopping" yaml:"stopping"`
}

type SessionsEnvelope struct {
	SchemaVersion string        `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at" yaml:"generated_at"`
	Sessions      []SessionItem `json:"sessions" yaml:"sessions"`
}

type HistoryEnvelope struct {
	SchemaVersion string                `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at" yaml:"generated_at"`
	Sessions      []model.SessionRecord `json:"sessions" yaml:"sessions"`
}

type RelaunchesEnvelope struct {
	SchemaVersion string                 `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at" yaml:"generated_at"`
	Relaunches    []model.RelaunchRecord `json:"relaunches" yaml:"relaunches"`
}
