package types

// BackendStatus describes one registered backend.
type BackendStatus struct {
	// Registry name of the backend.
	// example: ollama
	Name string `json:"name" example:"ollama"`
	// Lifecycle state: stopped, booting or running.
	// example: running
	State string `json:"state" example:"running"`
	// Result of a liveness probe, when one was made.
	Running *bool `json:"running,omitempty"`
}

// Model describes a discovered model and, when requested, its load state.
type Model struct {
	// Name used to address the model.
	// example: llama3.2:latest
	Name string `json:"name" example:"llama3.2:latest"`
	// Backend-specific identifier.
	ID string `json:"id"`
	// Size on disk in bytes.
	// example: 2019393189
	Size int64 `json:"size" example:"2019393189"`
	// Supported capabilities (completion, vision, tools, thinking).
	Capabilities []string `json:"capabilities"`
	// Whether the model is currently held in memory.
	Loaded *bool `json:"loaded,omitempty"`
	// VRAM footprint in bytes, -1 when not loaded.
	LoadedSize *int64 `json:"loaded_size,omitempty"`
}

// RuntimeInfo is a loaded model as reported by its backend.
type RuntimeInfo struct {
	// example: llama3.2:latest
	Name string `json:"name" example:"llama3.2:latest"`
	// example: 3221225472
	VRAMBytes int64 `json:"size_vram" example:"3221225472"`
	// Unix seconds after which the backend unloads the model.
	ExpiresAtUnix int64 `json:"expires_at_unix"`
}

// Session describes a live completion stream.
type Session struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	// example: 1700000000
	StartedUnix int64 `json:"started_unix" example:"1700000000"`
}
