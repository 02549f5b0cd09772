package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"llmd/internal/llm"
	"llmd/internal/stream"
)

// chat posts req and hands the streaming body to a stream.Session. The
// request context is owned by the session and cancelled when it ends.
func (b *Backend) chat(ctx context.Context, req chatRequest, log zerolog.Logger) (llm.Session, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.ErrSerialization("encode chat request", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	sctx, cancel := context.WithCancel(ctx)
	hreq, err := http.NewRequestWithContext(sctx, http.MethodPost, b.endpoint("chat"), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, llm.ErrHTTP("build chat request", 0, err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/x-ndjson")
	resp, err := b.clients.Stream.Do(hreq)
	if err != nil {
		cancel()
		return nil, b.transportError("chat", err)
	}
	if err := checkStatus("chat", resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	log.Debug().Int("messages", len(req.Messages)).Msg("chat stream opened")
	return stream.NewSession(resp.Body, cancel, stream.Options{Logger: log}), nil
}
