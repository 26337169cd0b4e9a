// Package fetch implements the safe outbound-fetch engine: a redirect walker
// that re-resolves and re-validates every hop through the pinned resolver,
// and a bounded-concurrency batch fetcher built on top of it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inkbound/novelgrab/internal/netguard"
	"github.com/inkbound/novelgrab/internal/telemetry"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxRedirects = 5
	DefaultMaxBodyBytes = 10 << 20 // 10 MiB
	DefaultHopTimeout   = 10 * time.Second
)

// Config holds the process-wide fetch limits. They are read-only at request
// time and shared across all concurrent fetches.
type Config struct {
	MaxRedirects int
	MaxBodyBytes int64
	HopTimeout   time.Duration
	UserAgent    string
}

// Options carry per-call overrides.
type Options struct {
	UserAgent string
}

// Result is a terminal 2xx response.
type Result struct {
	ContentType string
	Body        []byte
	FinalURL    string
}

// Fetcher performs HTTP GETs against pinned addresses, walking 3xx chains
// manually so every hop passes through resolution and classification.
type Fetcher struct {
	resolver *netguard.Resolver
	cfg      Config
	logger   *zap.Logger
}

// New builds a Fetcher, filling zero config fields with the defaults.
func New(resolver *netguard.Resolver, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.HopTimeout <= 0 {
		cfg.HopTimeout = DefaultHopTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{resolver: resolver, cfg: cfg, logger: logger}
}

// Fetch retrieves rawURL, following up to MaxRedirects hops.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	return f.Do(ctx, rawURL, Options{})
}

// Do is Fetch with per-call options.
func (f *Fetcher) Do(ctx context.Context, rawURL string, opts Options) (Result, error) {
	result, err := f.do(ctx, rawURL, opts)
	switch {
	case err == nil:
		telemetry.ObserveFetch("success", len(result.Body))
	case isUnsafeTarget(err):
		telemetry.ObserveUnsafeTarget()
		telemetry.ObserveFetch("blocked", 0)
	default:
		telemetry.ObserveFetch("failed", 0)
	}
	return result, err
}

func isUnsafeTarget(err error) bool {
	var unsafeErr *netguard.UnsafeTargetError
	return errors.As(err, &unsafeErr)
}

func (f *Fetcher) do(ctx context.Context, rawURL string, opts Options) (Result, error) {
	current, err := validateURL(rawURL)
	if err != nil {
		return Result{}, err
	}

	redirects := 0
	for {
		resp, err := f.doHop(ctx, current, opts)
		if err != nil {
			return Result{}, err
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			next, err := redirectTarget(current, resp)
			drainAndClose(resp.Body)
			if err != nil {
				return Result{}, err
			}
			redirects++
			if redirects > f.cfg.MaxRedirects {
				return Result{}, &TooManyRedirectsError{Redirects: redirects}
			}
			f.logger.Debug("following redirect",
				zap.String("from", current.String()),
				zap.String("to", next.String()),
				zap.Int("hop", redirects),
			)
			current = next
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			drainAndClose(resp.Body)
			return Result{}, &NetworkError{
				URL: current.String(),
				Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
			}
		}

		return f.readBody(current, resp)
	}
}

// doHop performs one GET against the pinned address for current's hostname.
func (f *Fetcher) doHop(ctx context.Context, current *url.URL, opts Options) (*http.Response, error) {
	pinned, err := f.resolver.ResolveAndPin(ctx, current.Hostname())
	if err != nil {
		var unsafeErr *netguard.UnsafeTargetError
		if errors.As(err, &unsafeErr) {
			return nil, err
		}
		return nil, &NetworkError{URL: current.String(), Err: err}
	}

	hopCtx, cancel := context.WithTimeout(ctx, f.cfg.HopTimeout)
	req, err := http.NewRequestWithContext(hopCtx, http.MethodGet, current.String(), nil)
	if err != nil {
		cancel()
		return nil, &NetworkError{URL: current.String(), Err: err}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = f.cfg.UserAgent
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	client := &http.Client{
		Transport: pinnedTransport(pinned),
		// Redirects are walked manually above; each hop must re-validate.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req) //nolint:bodyclose // closed by callers of doHop
	if err != nil {
		cancel()
		return nil, &NetworkError{URL: current.String(), Err: err}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (f *Fetcher) readBody(current *url.URL, resp *http.Response) (Result, error) {
	defer drainAndClose(resp.Body)

	if resp.ContentLength > f.cfg.MaxBodyBytes {
		return Result{}, &PayloadTooLargeError{Limit: f.cfg.MaxBodyBytes, Declared: resp.ContentLength}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return Result{}, &NetworkError{URL: current.String(), Err: err}
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return Result{}, &PayloadTooLargeError{Limit: f.cfg.MaxBodyBytes}
	}
	return Result{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FinalURL:    current.String(),
	}, nil
}

// validateURL runs the pre-network checks: parse, scheme gate, hostname.
func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unparsable url %q", rawURL)}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &ValidationError{Reason: "missing hostname"}
	}
	return u, nil
}

// redirectTarget resolves the Location header relative to the URL that
// issued the redirect. A 3xx without a usable target is a hard failure.
func redirectTarget(current *url.URL, resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, &NetworkError{URL: current.String(), Err: errors.New("redirect without location")}
	}
	next, err := current.Parse(loc)
	if err != nil {
		return nil, &NetworkError{URL: current.String(), Err: fmt.Errorf("bad redirect location %q: %w", loc, err)}
	}
	switch strings.ToLower(next.Scheme) {
	case "http", "https":
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported scheme %q in redirect", next.Scheme)}
	}
	if next.Hostname() == "" {
		return nil, &NetworkError{URL: current.String(), Err: fmt.Errorf("redirect location %q has no host", loc)}
	}
	return next, nil
}

// pinnedTransport dials only the address resolved for this hop, regardless
// of the hostname in the request URL. Host header and SNI still come from
// the URL.
func pinnedTransport(pinned netguard.Pinned) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.Addr, port))
		},
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
