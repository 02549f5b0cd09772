package types

import "llmd/internal/llm"

// PromptRequest is the body of POST /backends/{backend}/models/{model}/prompt.
type PromptRequest struct {
	// The new user turn.
	Message llm.ChatMessage `json:"message"`
	// Prior conversation, oldest first.
	History []llm.ChatMessage `json:"history,omitempty"`
	// Request reasoning output from models that support it. Omit to leave
	// the service default.
	Think *bool `json:"think,omitempty"`
}

// BackendsResponse wraps GET /backends.
type BackendsResponse struct {
	Backends []BackendStatus `json:"backends"`
}

// ModelsResponse wraps GET /backends/{backend}/models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// RunningResponse wraps GET /backends/{backend}/ps.
type RunningResponse struct {
	Models []RuntimeInfo `json:"models"`
}

// RunningState answers GET /backends/{backend}/running.
type RunningState struct {
	Running bool `json:"running"`
}

// ValueRequest carries a single string setting (API URL, models path).
type ValueRequest struct {
	// example: http://localhost:11434/api/
	Value string `json:"value" example:"http://localhost:11434/api/"`
}

// ValueResponse echoes a single string setting.
type ValueResponse struct {
	Value string `json:"value"`
}

// PullRequest is the body of POST /ollama/pull.
type PullRequest struct {
	// example: llama3.2:1b
	Model string `json:"model" example:"llama3.2:1b"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// Error kind (io, http, serialization, backendNotFound, ...).
	// example: modelNotFound
	Kind string `json:"kind,omitempty" example:"modelNotFound"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Backends []BackendStatus `json:"backends"`
	Sessions []Session       `json:"sessions"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
