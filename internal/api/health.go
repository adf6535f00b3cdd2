package api

import "time"

type HealthResponse struct {
	SchemaVersion  string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at" yaml:"generated_at"`
	Status         string    `json:"status" yaml:"status"`
	RuntimeBinary  string    `json:"runtime_binary" yaml:"runtime_binary"`
	RuntimeHealth  string    `json:"runtime_health,omitempty" yaml:"runtime_health,omitempty"`
	ActiveSessions int       `json:"active_sessions" yaml:"active_sessions"`
}
