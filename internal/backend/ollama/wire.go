package ollama

import (
	"encoding/json"

	"llmd/internal/llm"
)

type tagsResponse struct {
	Models []tagEntry `json:"models"`
}

type tagEntry struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Size  int64  `json:"size"`
}

type showRequest struct {
	Model string `json:"model"`
}

type showResponse struct {
	Capabilities []string `json:"capabilities"`
}

type psResponse struct {
	Models []llm.RuntimeSnapshot `json:"models"`
}

// keepAlive is either a duration string ("10m") or a number of seconds.
type generateRequest struct {
	Model     string `json:"model"`
	KeepAlive any    `json:"keep_alive,omitempty"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Think     *bool         `json:"think,omitempty"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
}

// chatMessage is the request-side message shape; reasoning goes under
// "thinking" the way the service streams it back.
type chatMessage struct {
	Role     llm.Role `json:"role"`
	Content  string   `json:"content"`
	Images   []string `json:"images,omitempty"`
	Thinking string   `json:"thinking,omitempty"`
}

func toWire(msgs []llm.ChatMessage) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: m.Role, Content: m.Content, Images: m.Images, Thinking: m.Thoughts}
	}
	return out
}

type errorBody struct {
	Error string `json:"error"`
}

// serviceError extracts the {"error": "..."} message Ollama returns on failures.
func serviceError(b []byte) string {
	var e errorBody
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(b)
}
