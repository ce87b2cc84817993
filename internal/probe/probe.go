package probe

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Result reports the outcome of a readiness poll.
type Result struct {
	Ready    bool
	Attempts int
}

// Poller is implemented by Prober; split out so higher components can
// be tested against fakes.
type Poller interface {
	Poll(ctx context.Context, url string, maxAttempts int, interval time.Duration) Result
}

// Prober polls an HTTP endpoint until it answers with a non-error
// status. The orchestrator is a one-shot invocation, so polling blocks
// the caller with sleep-based backoff between attempts.
type Prober struct {
	Client *http.Client
	Sleep  func(time.Duration)
}

// New returns a Prober with a short per-request timeout. Redirects are
// not followed: any 3xx answer already counts as ready.
func New() *Prober {
	return &Prober{
		Client: &http.Client{
			Timeout: 3 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Sleep: time.Sleep,
	}
}

// Poll issues up to maxAttempts GET requests against url, sleeping
// interval between attempts. Any 2xx or 3xx answer means ready.
// Exhausting all attempts is not an error; the caller decides whether
// the timeout is fatal. The attempt count is always reported.
func (p *Prober) Poll(ctx context.Context, url string, maxAttempts int, interval time.Duration) Result {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.try(ctx, url) {
			return Result{Ready: true, Attempts: attempt}
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempt}
		}
		if attempt < maxAttempts {
			p.Sleep(interval)
		}
	}
	return Result{Attempts: maxAttempts}
}

func (p *Prober) try(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
