// Package ingest downloads roster payloads from source endpoints,
// decodes them through format parser strategies, and coordinates the
// fetch-parse-reconcile cycle per endpoint run.
package ingest

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pharmaduty/duty-engine/internal/resilience"
)

// maxPayloadBytes caps one roster download. Duty rosters are small;
// anything bigger is a misconfigured endpoint.
const maxPayloadBytes = 16 << 20

// Fetcher downloads the raw payload behind an endpoint URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetchOptions configures the HTTP fetcher.
type FetchOptions struct {
	UserAgent string
	Timeout   time.Duration

	// RequestsPerSecond throttles each host separately. Chamber sites
	// run on small municipal servers.
	RequestsPerSecond float64
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.UserAgent == "" {
		o.UserAgent = "duty-engine/1.0"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	return o
}

// HTTPFetcher fetches over HTTP(S) with per-host rate limiting. It
// performs a single attempt; retry policy belongs to the caller.
type HTTPFetcher struct {
	client *http.Client
	opts   FetchOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts FetchOptions) *HTTPFetcher {
	opts = opts.withDefaults()
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim := f.limiters[host]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(f.opts.RequestsPerSecond), 1)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch downloads the URL. Non-2xx responses come back as
// resilience.FetchError so the caller's retry policy can classify them.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: parse url %s", rawURL)
	}

	if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "ingest: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json, application/xml, text/csv, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewFetchError(rawURL, 0, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.NewFetchError(rawURL, resp.StatusCode,
			eris.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, resilience.NewFetchError(rawURL, 0, err)
	}
	return data, nil
}

// FTPFetcher downloads roster files from ftp:// endpoints. Some health
// directorates still publish daily rosters on plain FTP drops.
type FTPFetcher struct {
	timeout time.Duration
}

// NewFTPFetcher creates an FTPFetcher.
func NewFTPFetcher(timeout time.Duration) *FTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTPFetcher{timeout: timeout}
}

func parseFTPURL(rawURL string) (host, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "ingest: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("ingest: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return "", "", eris.New("ingest: empty path in ftp url")
	}
	return host, u.Path, nil
}

// Fetch retrieves the file behind an ftp:// URL with anonymous login.
func (f *FTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	host, path, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewFetchError(rawURL, 0, eris.Wrap(err, "ftp dial"))
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, resilience.NewFetchError(rawURL, 0, eris.Wrap(err, "ftp login"))
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, resilience.NewFetchError(rawURL, 0, eris.Wrap(err, "ftp retrieve"))
	}
	defer resp.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp, maxPayloadBytes))
	if err != nil {
		return nil, resilience.NewFetchError(rawURL, 0, eris.Wrap(err, "ftp read"))
	}
	return data, nil
}

// SchemeFetcher routes by URL scheme: ftp:// to the FTP fetcher,
// everything else to HTTP.
type SchemeFetcher struct {
	httpF *HTTPFetcher
	ftpF  *FTPFetcher
}

// NewSchemeFetcher creates the scheme router used in production.
func NewSchemeFetcher(opts FetchOptions) *SchemeFetcher {
	opts = opts.withDefaults()
	return &SchemeFetcher{
		httpF: NewHTTPFetcher(opts),
		ftpF:  NewFTPFetcher(opts.Timeout),
	}
}

func (s *SchemeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: parse url %s", rawURL)
	}
	if u.Scheme == "ftp" {
		return s.ftpF.Fetch(ctx, rawURL)
	}
	return s.httpF.Fetch(ctx, rawURL)
}
