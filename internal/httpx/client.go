package httpx

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/hupe1980/agentloop/logging"
)

const (
	// DefaultBaseDelay is the backoff base; attempt n waits base*2^(n-1).
	DefaultBaseDelay = time.Second
	// DefaultAttemptTimeout bounds response headers and idle stream gaps.
	DefaultAttemptTimeout = 60 * time.Second
	// MinAttempts and MaxAttempts bound the configurable attempt cap.
	MinAttempts = 1
	MaxAttempts = 10
)

// Options configures a Client.
type Options struct {
	// Provider names the vendor in logs and errors.
	Provider string
	// MaxAttempts is the total number of tries including the first one.
	MaxAttempts int
	// BaseDelay is the backoff base (default 1s).
	BaseDelay time.Duration
	// AttemptTimeout bounds response headers; streams use it for stall detection.
	AttemptTimeout time.Duration
	// RequestsPerMinute enables client-side rate limiting when > 0.
	RequestsPerMinute int
	// Transport overrides the base transport (tests).
	Transport http.RoundTripper
	Logger    logging.Logger
}

// Client wraps a retryablehttp.Client configured for streaming vendor APIs.
type Client struct {
	provider       string
	maxAttempts    int
	attemptTimeout time.Duration
	rc             *retryablehttp.Client
	logger         logging.Logger
}

// NewClient builds a Client from opts, clamping the attempt cap into
// [MinAttempts, MaxAttempts].
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	opts.MaxAttempts = ClampAttempts(opts.MaxAttempts)

	base := opts.Transport
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = opts.AttemptTimeout
		base = t
	}
	base = &kickTransport{next: base}
	if opts.RequestsPerMinute > 0 {
		base = &limitedTransport{
			next:    base,
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1),
		}
	}

	c := &Client{
		provider:       opts.Provider,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: base}
	rc.Logger = opts.Logger
	rc.RetryMax = opts.MaxAttempts - 1
	rc.RetryWaitMin = opts.BaseDelay
	rc.RetryWaitMax = opts.BaseDelay << (MaxAttempts - 1)
	rc.Backoff = ExponentialBackoff
	rc.CheckRetry = c.checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if n, ok := req.Context().Value(attemptKey{}).(*atomic.Int32); ok {
			n.Add(1)
		}
		if attempt > 0 {
			c.logger.Warn("model.http.retry", "provider", c.provider, "attempt", attempt+1, "url", req.URL.Redacted())
		}
	}
	c.rc = rc

	return c
}

// ClampAttempts normalizes an attempt cap; 0 selects MaxAttempts/2.
func ClampAttempts(n int) int {
	switch {
	case n == 0:
		return MaxAttempts / 2
	case n < MinAttempts:
		return MinAttempts
	case n > MaxAttempts:
		return MaxAttempts
	default:
		return n
	}
}

// ExponentialBackoff waits min*2^attemptNum where attemptNum is zero based,
// i.e. 1s, 2s, 4s for a 1s base. The Retry-After header is ignored.
func ExponentialBackoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	d := min << attemptNum
	if d <= 0 || (max > 0 && d > max) {
		return max
	}
	return d
}

func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Provider returns the configured provider name.
func (c *Client) Provider() string { return c.provider }

// MaxAttempts returns the configured attempt cap.
func (c *Client) MaxAttempts() int { return c.maxAttempts }

// AttemptTimeout returns the per-attempt bound used for stall detection.
func (c *Client) AttemptTimeout() time.Duration { return c.attemptTimeout }

// Do sends req with retries. When retries are exhausted on a retryable status
// the last response is returned with a nil error so its body can be parsed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return c.rc.Do(rreq)
}

// StandardClient exposes the retrying client as a plain *http.Client for
// vendor SDKs that accept one.
func (c *Client) StandardClient() *http.Client {
	return c.rc.StandardClient()
}

type attemptKey struct{}

// WithAttemptCounter returns a context whose requests are counted by the
// Client; read the count from the returned counter.
func WithAttemptCounter(ctx context.Context) (context.Context, *atomic.Int32) {
	n := new(atomic.Int32)
	return context.WithValue(ctx, attemptKey{}, n), n
}

type limitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

type kickTransport struct {
	next http.RoundTripper
}

func (t *kickTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil && resp.StatusCode < http.StatusMultipleChoices {
		if wd := watchdogFrom(req.Context()); wd != nil {
			wd.Kick()
		}
	}
	return resp, err
}
