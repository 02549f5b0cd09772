package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"llmd/internal/backend"
	"llmd/internal/backend/ollama"
	"llmd/internal/httpapi"
	"llmd/internal/llm"
	"llmd/internal/stream"
	"llmd/pkg/types"
)

// APIError is a non-2xx answer from the llmd HTTP API.
type APIError struct {
	Code    int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llmd: HTTP %d", e.Code)
	}
	return e.Message
}

// Client talks to a running `llmd serve`.
type Client struct {
	base    string
	clients backend.Clients
}

// NewClient targets the server at base (e.g. http://127.0.0.1:8080).
func NewClient(base string, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", base)
	}
	return &Client{
		base:    strings.TrimRight(u.String(), "/"),
		clients: backend.NewClients(backend.ClientOptions{Retries: 1, Logger: log}),
	}, nil
}

func seg(s string) string { return url.PathEscape(s) }

func (c *Client) backendPath(b string, rest ...string) string {
	p := "/backends/" + seg(b)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) modelPath(b, m, action string) string {
	p := c.backendPath(b, "models", seg(m))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body any
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.clients.JSON.Do(req)
	if err != nil {
		return connError(err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// openStream posts in and returns the NDJSON response.
func (c *Client) openStream(ctx context.Context, path string, in any) (*http.Response, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.clients.Stream.Do(req)
	if err != nil {
		return nil, connError(err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func connError(err error) error {
	if backend.IsConnRefused(err) {
		return fmt.Errorf("llmd server is not reachable (is `llmd serve` running?): %w", err)
	}
	return err
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er types.ErrorResponse
	if json.Unmarshal(b, &er) != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(b))
	}
	return &APIError{Code: resp.StatusCode, Kind: er.Kind, Message: er.Error}
}

// readNDJSON feeds r through a stream decoder and calls fn per record.
func readNDJSON[T any](r io.Reader, fn func(T) error) error {
	var dec stream.Decoder[T]
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			recs, derr := dec.Feed(buf[:n])
			for _, rec := range recs {
				if ferr := fn(rec); ferr != nil {
					return ferr
				}
			}
			if derr != nil {
				return derr
			}
		}
		if errors.Is(err, io.EOF) {
			if n := dec.Discard(); n > 0 {
				return llm.ErrSerialization(fmt.Sprintf("stream ended inside a record (%d bytes)", n), nil)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) Backends(ctx context.Context) ([]types.BackendStatus, error) {
	var out types.BackendsResponse
	err := c.do(ctx, http.MethodGet, "/backends", nil, &out)
	return out.Backends, err
}

func (c *Client) Boot(ctx context.Context, b string) error {
	return c.do(ctx, http.MethodPost, c.backendPath(b, "boot"), nil, nil)
}

func (c *Client) Shutdown(ctx context.Context, b string) error {
	return c.do(ctx, http.MethodPost, c.backendPath(b, "shutdown"), nil, nil)
}

// Models lists the backend's models; refresh reloads the catalog first.
func (c *Client) Models(ctx context.Context, b string, refresh bool) ([]types.Model, error) {
	var out types.ModelsResponse
	var err error
	if refresh {
		err = c.do(ctx, http.MethodPost, c.backendPath(b, "models", "refresh"), nil, &out)
	} else {
		err = c.do(ctx, http.MethodGet, c.backendPath(b, "models"), nil, &out)
	}
	return out.Models, err
}

func (c *Client) Running(ctx context.Context, b string) ([]types.RuntimeInfo, error) {
	var out types.RunningResponse
	err := c.do(ctx, http.MethodGet, c.backendPath(b, "ps"), nil, &out)
	return out.Models, err
}

func (c *Client) StopSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+seg(id), nil, nil)
}

// Chat streams a completion. started receives the session handle before the
// first event; fn is called per event, including the final Stop.
func (c *Client) Chat(ctx context.Context, b, model string, req types.PromptRequest, started func(id string), fn func(llm.Event) error) error {
	resp, err := c.openStream(ctx, c.modelPath(b, model, "prompt"), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if started != nil {
		started(resp.Header.Get(httpapi.SessionHeader))
	}
	return readNDJSON(resp.Body, fn)
}

// Pull downloads tag through the server's Ollama backend.
func (c *Client) Pull(ctx context.Context, b, tag string, fn func(ollama.PullProgress) error) error {
	resp, err := c.openStream(ctx, "/ollama/pull?backend="+url.QueryEscape(b), types.PullRequest{Model: tag})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readNDJSON(resp.Body, fn)
}
