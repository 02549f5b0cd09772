// Package manager is the in-process command surface over the backend
// registry. It resolves backends and models by name, tracks live completion
// sessions under opaque handles, publishes lifecycle events and records
// Prometheus metrics. It is structured into small files by concern:
//
//   - manager.go: core Manager type, backend lifecycle and model catalog.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - models.go: per-model operations (load state, runtime info, load/unload).
//   - sessions.go: Prompt/StopPrompt and the forwarding goroutine.
//   - ollama.go: Ollama-only operations reached through ollama.As.
//   - status.go: Status reporting for /status.
//   - errors.go: manager-specific error helpers.
//   - events.go, eventpub_log.go, eventpub_memory.go: lifecycle events.
//   - metrics.go: Prometheus collectors.
//
// External packages (httpapi, cli) should use the public methods only.
package manager
