package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cityranker/citystats/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration

	// Retry governs every request. Structured lookups use a small fixed
	// number of attempts with a fixed delay.
	Retry resilience.RetryConfig

	// RatePerHost is the starting request rate for any host without an
	// explicit entry in HostRates.
	RatePerHost rate.Limit
	HostRates   map[string]rate.Limit

	// MaxInFlight bounds concurrent requests across all hosts. 0 means
	// unbounded.
	MaxInFlight int64
}

// AdaptiveLimiter wraps a rate.Limiter that halves its rate on 429 and
// recovers by 20% per success, staying within [initial/4, initial*2].
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at initial.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initial, burst),
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher performs rate-limited, retried GET requests.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	sem    *semaphore.Weighted

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// DefaultHostRates returns conservative per-host rates for the public APIs
// the collector talks to.
func DefaultHostRates() map[string]rate.Limit {
	return map[string]rate.Limit{
		"api.worldbank.org":     10,
		"ghoapi.azureedge.net":  5,
		"api.openaq.org":        2,
		"api.open-meteo.com":    10,
		"earthquake.usgs.gov":   2,
		"en.wikipedia.org":      5,
		"query.wikidata.org":    1,
		"download.geonames.org": 2,
	}
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "citystats/1.0"
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 20
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.Fixed(3, time.Second, nil)
	}
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
	if opts.MaxInFlight > 0 {
		f.sem = semaphore.NewWeighted(opts.MaxInFlight)
	}
	return f
}

func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	r := f.opts.RatePerHost
	if hr, ok := f.opts.HostRates[host]; ok {
		r = hr
	}
	burst := max(int(r), 1)
	lim := NewAdaptiveLimiter(r, burst)
	f.limiters[host] = lim
	return lim
}

// do issues one GET attempt and returns the open response on 2xx.
func (f *HTTPFetcher) do(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	lim := f.limiterFor(rawURL)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	if f.sem != nil {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return nil, eris.Wrap(err, "fetcher: acquire request slot")
		}
		defer f.sem.Release(1)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
		zap.L().Warn("rate limited, slowing down",
			zap.String("url", rawURL),
			zap.Float64("new_rate", float64(lim.Limit())),
		)
	}
	if err := resilience.StatusError(resp.StatusCode, rawURL); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	lim.OnSuccess()
	return resp, nil
}

// Get fetches rawURL and returns the body and response headers. Transient
// failures are retried according to the configured policy.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, http.Header, error) {
	type result struct {
		body   []byte
		header http.Header
	}
	cfg := f.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error) {
			zap.L().Debug("retrying request",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (result, error) {
		resp, err := f.do(ctx, rawURL, header)
		if err != nil {
			return result{}, err
		}
		defer resp.Body.Close() //nolint:errcheck
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, resilience.NewTransientError(eris.Wrap(err, "fetcher: read body"), 0)
		}
		return result{body: body, header: resp.Header}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res.body, res.header, nil
}

// GetJSON fetches rawURL and decodes the JSON body into v. A body that does
// not decode is not retried.
func (f *HTTPFetcher) GetJSON(ctx context.Context, rawURL string, v any) error {
	h := http.Header{}
	h.Set("Accept", "application/json")
	body, _, err := f.Get(ctx, rawURL, h)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return eris.Wrapf(err, "fetcher: decode json from %s", rawURL)
	}
	return nil
}

// Download fetches the URL and returns the response body. The caller must
// close it.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) (*http.Response, error) {
		return f.do(ctx, rawURL, nil)
	})
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: download")
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck
	return writeFile(path, body)
}

func writeFile(path string, r io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrap(err, "fetcher: write file")
	}
	return n, nil
}
