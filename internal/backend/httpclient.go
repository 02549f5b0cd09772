package backend

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"llmd/internal/logging"
)

// ClientOptions configures the clients built by NewClients.
type ClientOptions struct {
	// Retries bounds retries of idempotent JSON calls. Zero disables retrying.
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       zerolog.Logger
}

// Clients bundles the HTTP clients a service integration needs.
type Clients struct {
	// JSON retries transient failures and is used for short request/response calls.
	JSON *retryablehttp.Client
	// Stream never retries and has no overall timeout; streaming calls are
	// bounded by their context only.
	Stream *http.Client
}

func NewClients(opts ClientOptions) Clients {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.Retries
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	} else {
		rc.RetryWaitMin = 100 * time.Millisecond
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	} else {
		rc.RetryWaitMax = time.Second
	}
	rc.CheckRetry = retryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logging.Leveled{L: opts.Logger}
	return Clients{
		JSON:   rc,
		Stream: &http.Client{Timeout: 0},
	}
}

// retryPolicy retries transport failures and gateway-style statuses, but
// never a refused connection: the service is simply not running and callers
// want to know right away.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		if IsConnRefused(err) {
			return false, err
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return true, nil
	}
	return false, nil
}

// IsConnRefused reports whether err was caused by a refused TCP connection.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
