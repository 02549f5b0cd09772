package ollama

import (
	"context"
	"strings"

	"github.com/ollama/ollama/api"

	"llmd/internal/llm"
)

// Pull progress reporting.
const (
	PullStatusDone    = "done"
	pullStatusSuccess = "success"
	// only every pullProgressEvery-th progress update is forwarded
	pullProgressEvery = 64
)

// PullProgress is one update of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads tag into the service's model store. Progress is
// streamed on the returned channel, which always ends with a "done" update
// and is then closed. Failures after the pull started arrive as an update
// with Error set. The channel must be drained or ctx cancelled.
func (b *Backend) PullModel(ctx context.Context, tag string) (<-chan PullProgress, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, llm.ErrInternal("model tag is empty")
	}
	b.mu.RLock()
	running := b.ping(ctx) == nil
	base := *b.apiURL
	b.mu.RUnlock()
	if !running {
		return nil, llm.ErrBackendNotRunning(b.cfg.Name, nil)
	}
	// the api client adds the /api prefix itself
	base.Path = strings.TrimSuffix(strings.TrimSuffix(base.Path, "/"), "/api")
	client := api.NewClient(&base, b.clients.Stream)

	out := make(chan PullProgress, 16)
	go func() {
		defer close(out)
		send := func(p PullProgress) bool {
			select {
			case out <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}
		var n int
		err := client.Pull(ctx, &api.PullRequest{Model: tag}, func(p api.ProgressResponse) error {
			n++
			if n%pullProgressEvery == 1 || p.Status == pullStatusSuccess {
				if !send(PullProgress{Status: p.Status, Digest: p.Digest, Total: p.Total, Completed: p.Completed}) {
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			b.log.Warn().Err(err).Str("tag", tag).Msg("pull failed")
			if !send(PullProgress{Status: "error", Error: err.Error()}) {
				return
			}
		} else {
			b.log.Info().Str("tag", tag).Msg("pull finished")
		}
		send(PullProgress{Status: PullStatusDone})
	}()
	return out, nil
}
