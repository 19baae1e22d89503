package restore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPClient allows mocking HTTP requests in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient returns a client that reports redirects instead of following
// them, since a 302 to the login page already means the app is serving.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func readyStatus(code int) bool {
	return code == http.StatusOK || code == http.StatusFound || code == http.StatusUnauthorized
}

// retry runs op with exponential backoff until it succeeds, attempts run out
// or ctx is done. onRetry is called before every wait.
func retry(ctx context.Context, attempts int, interval time.Duration, op func() error, onRetry func(n int, err error)) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 16 * interval
	b.MaxElapsedTime = 0

	n := 0
	return backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx),
		func(err error, _ time.Duration) {
			n++
			if onRetry != nil {
				onRetry(n, err)
			}
		})
}

// waitHTTP polls url until it answers with a ready status.
func waitHTTP(ctx context.Context, client HTTPClient, url string, attempts int, interval time.Duration, onRetry func(n int, err error)) error {
	return retry(ctx, attempts, interval, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if !readyStatus(resp.StatusCode) {
			return fmt.Errorf("%s answered %d", url, resp.StatusCode)
		}
		return nil
	}, onRetry)
}
