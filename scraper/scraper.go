// Package scraper fetches shelf listing pages from the upstream catalog site.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/shelf-scraper/config"
	"github.com/aluiziolira/shelf-scraper/metrics"
)

// Fetcher issues one request per (genre, page) with the fixed identifying headers and
// the session cookies loaded at startup. It never retries.
type Fetcher struct {
	cfg       *config.Config
	base      *url.URL
	collector *colly.Collector
	metrics   *metrics.Metrics
}

// NewFetcher builds a fetcher for cfg.BaseURL. cookies must be non-empty.
func NewFetcher(cfg *config.Config, cookies []*http.Cookie, m *metrics.Metrics) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("%w: no cookies", config.ErrInvalidCredentials)
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	if err := collector.SetCookies(parsed.String(), cookies); err != nil {
		return nil, fmt.Errorf("install cookies: %w", err)
	}

	return &Fetcher{
		cfg:       cfg,
		base:      parsed,
		collector: collector,
		metrics:   m,
	}, nil
}

// WithTransport swaps the HTTP transport, e.g. for a mock in tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// BaseURL is the site root used to resolve relative book links.
func (f *Fetcher) BaseURL() *url.URL {
	return f.base
}

// ShelfURL renders the listing URL for a genre page.
func (f *Fetcher) ShelfURL(genre string, page int) string {
	u := *f.base
	u.Path = strings.TrimSuffix(f.base.Path, "/") + "/shelf/show/" + genre
	u.RawPath = strings.TrimSuffix(f.base.EscapedPath(), "/") + "/shelf/show/" + url.PathEscape(genre)
	u.RawQuery = "page=" + strconv.Itoa(page)
	return u.String()
}

// Fetch returns the raw markup of one shelf page or a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, genre string, page int) ([]byte, error) {
	if strings.TrimSpace(genre) == "" {
		return nil, fmt.Errorf("fetch: genre cannot be empty")
	}
	if page < 1 {
		return nil, fmt.Errorf("fetch: page must be >= 1, got %d", page)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := f.ShelfURL(genre, page)

	// Per-call callbacks live on a clone; the clone shares the HTTP backend and cookie jar.
	c := f.collector.Clone()

	var (
		body     []byte
		status   int
		callback error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
		r.Headers.Set("Connection", "keep-alive")
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		callback = err
	})

	start := time.Now()
	visitErr := c.Visit(target)
	f.metrics.ObserveFetchDuration(time.Since(start))

	if visitErr == nil && callback == nil {
		f.metrics.IncFetch("success")
		slog.Debug("fetched shelf page",
			slog.String("genre", genre),
			slog.Int("page", page),
			slog.Int("status", status),
			slog.Int("bytes", len(body)),
		)
		return body, nil
	}

	cause := callback
	if cause == nil {
		cause = visitErr
	}
	if errors.Is(cause, context.Canceled) {
		return nil, cause
	}

	fetchErr := newFetchError(target, cause, status)
	category := errorTypeLabel(fetchErr.Err)
	f.metrics.IncFetch("error")
	f.metrics.IncFetchError(category)
	slog.Error("shelf page request failed",
		slog.String("url", target),
		slog.Int("status", status),
		slog.String("category", category),
		slog.String("kind", string(fetchErr.Kind)),
		slog.Any("error", cause),
	)
	return nil, fetchErr
}
