package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/shelf-scraper/config"
	"github.com/aluiziolira/shelf-scraper/metrics"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://shelf.test"
	return cfg
}

func newTestFetcher(t *testing.T, transport *httpmock.MockTransport) *Fetcher {
	t.Helper()
	cookies := []*http.Cookie{{Name: "session_id", Value: "abc123"}}
	f, err := NewFetcher(testConfig(), cookies, metrics.New())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	f.WithTransport(transport)
	return f
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
		kind       ErrorKind
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown", kind: KindPermanent},
		{name: "context timeout", err: context.DeadlineExceeded, expected: "timeout", kind: KindTransient},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "timeout", kind: KindTransient},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, expected: "connection", kind: KindTransient},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, expected: "forbidden", kind: KindPermanent},
		{name: "forbidden", statusCode: http.StatusForbidden, expected: "forbidden", kind: KindPermanent},
		{name: "not found", statusCode: http.StatusNotFound, expected: "not_found", kind: KindPermanent},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, expected: "rate_limited", kind: KindTransient},
		{name: "bad gateway", statusCode: http.StatusBadGateway, expected: "server", kind: KindTransient},
		{name: "gone", statusCode: http.StatusGone, expected: "other", kind: KindPermanent},
		{name: "other", err: errors.New("some other error"), expected: "other", kind: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label := errorTypeLabel(classifyError(tt.err, tt.statusCode))
			if label != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, label, tt.expected)
			}
			if got := kindForLabel(label); got != tt.kind {
				t.Fatalf("kind for %q = %q, want %q", label, got, tt.kind)
			}
		})
	}
}

func TestShelfURL(t *testing.T) {
	f := newTestFetcher(t, httpmock.NewMockTransport())

	tests := []struct {
		genre string
		page  int
		want  string
	}{
		{genre: "biography", page: 1, want: "http://shelf.test/shelf/show/biography?page=1"},
		{genre: "science-fiction", page: 25, want: "http://shelf.test/shelf/show/science-fiction?page=25"},
		{genre: "young adult", page: 2, want: "http://shelf.test/shelf/show/young%20adult?page=2"},
	}
	for _, tt := range tests {
		if got := f.ShelfURL(tt.genre, tt.page); got != tt.want {
			t.Fatalf("ShelfURL(%q, %d) = %q, want %q", tt.genre, tt.page, got, tt.want)
		}
	}
}

func TestFetchSendsHeadersAndCookies(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var gotUA, gotLang, gotCookie string
	transport.RegisterResponder("GET", "http://shelf.test/shelf/show/biography?page=3",
		func(req *http.Request) (*http.Response, error) {
			gotUA = req.Header.Get("User-Agent")
			gotLang = req.Header.Get("Accept-Language")
			if c, err := req.Cookie("session_id"); err == nil {
				gotCookie = c.Value
			}
			resp := httpmock.NewStringResponse(http.StatusOK, "<html><body>shelf</body></html>")
			resp.Header.Set("Content-Type", "text/html")
			return resp, nil
		})

	f := newTestFetcher(t, transport)
	body, err := f.Fetch(context.Background(), "biography", 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html><body>shelf</body></html>" {
		t.Fatalf("body = %q", body)
	}
	if gotUA != testConfig().UserAgent {
		t.Fatalf("user agent = %q", gotUA)
	}
	if gotLang != "en-US,en;q=0.9" {
		t.Fatalf("accept-language = %q", gotLang)
	}
	if gotCookie != "abc123" {
		t.Fatalf("cookie = %q, want abc123", gotCookie)
	}
}

func TestFetchRevisitsSamePage(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://shelf.test/shelf/show/poetry?page=1",
		httpmock.NewStringResponder(http.StatusOK, "<html></html>"))

	f := newTestFetcher(t, transport)
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), "poetry", 1); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
		target interface{}
	}{
		{status: http.StatusNotFound, kind: KindPermanent, target: &ErrNotFound{}},
		{status: http.StatusForbidden, kind: KindPermanent, target: &ErrForbidden{}},
		{status: http.StatusTooManyRequests, kind: KindTransient, target: &ErrRateLimited{}},
		{status: http.StatusServiceUnavailable, kind: KindTransient, target: &ErrServer{}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", "http://shelf.test/shelf/show/fiction?page=1",
				httpmock.NewStringResponder(tt.status, ""))

			f := newTestFetcher(t, transport)
			_, err := f.Fetch(context.Background(), "fiction", 1)

			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fetchErr.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", fetchErr.StatusCode, tt.status)
			}
			if fetchErr.Kind != tt.kind || KindOf(err) != tt.kind {
				t.Fatalf("kind = %q, want %q", fetchErr.Kind, tt.kind)
			}
			if IsTransient(err) != (tt.kind == KindTransient) {
				t.Fatalf("IsTransient mismatch for %d", tt.status)
			}
			if !errors.As(err, tt.target) {
				t.Fatalf("expected cause %T, got %v", tt.target, fetchErr.Err)
			}
		})
	}
}

func TestFetchTransportError(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://shelf.test/shelf/show/fiction?page=1",
		httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))

	f := newTestFetcher(t, transport)
	_, err := f.Fetch(context.Background(), "fiction", 1)
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestFetchRejectsBadInput(t *testing.T) {
	f := newTestFetcher(t, httpmock.NewMockTransport())
	if _, err := f.Fetch(context.Background(), "", 1); err == nil {
		t.Fatalf("expected error for empty genre")
	}
	if _, err := f.Fetch(context.Background(), "fiction", 0); err == nil {
		t.Fatalf("expected error for page 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "fiction", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewFetcherRequiresCookies(t *testing.T) {
	if _, err := NewFetcher(testConfig(), nil, nil); !errors.Is(err, config.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
