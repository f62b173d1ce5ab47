package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/shelf-scraper/config"
	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
	"github.com/aluiziolira/shelf-scraper/pipeline"
	"github.com/aluiziolira/shelf-scraper/store"
	"github.com/aluiziolira/shelf-scraper/view"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIngestor struct {
	startErr  error
	started   []string
	cancelled bool
	snap      models.ProgressSnapshot
	enabled   bool
}

func (f *fakeIngestor) Start(genre string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, genre)
	return "run-1", nil
}

func (f *fakeIngestor) Cancel() bool                      { return f.cancelled }
func (f *fakeIngestor) Progress() models.ProgressSnapshot { return f.snap }
func (f *fakeIngestor) Enabled() bool                     { return f.enabled }

func newTestServer(t *testing.T, ing Ingestor, records []models.BookRecord) *Server {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "books_raw.jl"), nil)
	if len(records) > 0 {
		_, err := st.MergeAndSave(records)
		require.NoError(t, err)
	}
	v, err := view.New(st, 16, nil)
	require.NoError(t, err)
	return New(ing, v, metrics.New())
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStartScrape(t *testing.T) {
	ing := &fakeIngestor{enabled: true}
	s := newTestServer(t, ing, nil)

	rec := do(t, s, http.MethodPost, "/scrape", `{"genre":"fantasy"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Scraping started!", body["message"])
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, []string{"fantasy"}, ing.started)
}

func TestStartScrapeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{name: "malformed body", body: `{"genre":`, want: http.StatusBadRequest},
		{name: "empty genre", body: `{"genre":""}`, err: pipeline.ErrEmptyGenre, want: http.StatusBadRequest},
		{name: "already running", body: `{"genre":"poetry"}`, err: pipeline.ErrRunInProgress, want: http.StatusConflict},
		{name: "read-only", body: `{"genre":"poetry"}`, err: pipeline.ErrIngestionDisabled, want: http.StatusServiceUnavailable},
		{name: "unexpected", body: `{"genre":"poetry"}`, err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeIngestor{startErr: tt.err}, nil)
			rec := do(t, s, http.MethodPost, "/scrape", tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestStartScrapeDisabledScheduler(t *testing.T) {
	sched := pipeline.NewScheduler(config.DefaultConfig(), nil, nil, nil)
	s := newTestServer(t, sched, nil)

	rec := do(t, s, http.MethodPost, "/scrape", `{"genre":"fiction"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","ingestion_enabled":false}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/progress", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var snap models.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 0, snap.Progress)
	assert.Equal(t, models.StateIdle, snap.State)
}

func TestCancelScrape(t *testing.T) {
	s := newTestServer(t, &fakeIngestor{cancelled: true}, nil)
	rec := do(t, s, http.MethodPost, "/scrape/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())
}

func TestProgress(t *testing.T) {
	ing := &fakeIngestor{snap: models.ProgressSnapshot{
		Progress:     8,
		State:        models.StateFailed,
		RunID:        "run-9",
		Genre:        "bogus",
		PagesFetched: 2,
		Error:        "page 3: not found",
		ErrorKind:    "permanent",
	}}
	s := newTestServer(t, ing, nil)

	rec := do(t, s, http.MethodGet, "/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 8, body["progress"])
	assert.Equal(t, "failed", body["state"])
	assert.Equal(t, "permanent", body["error_kind"])
	assert.NotContains(t, body, "started_at")
}

func listingRecords() []models.BookRecord {
	var records []models.BookRecord
	for i := 1; i <= 25; i++ {
		records = append(records, models.BookRecord{
			Link:       fmt.Sprintf("https://www.goodreads.com/book/show/%d", i),
			Title:      fmt.Sprintf("Book %02d", i),
			Author:     "Author",
			AvgRating:  fmt.Sprintf("%.2f", 3+float64(i)/100),
			NumRatings: fmt.Sprintf("%d", i*100),
			Genres:     []string{"biography"},
		})
	}
	records[0].Genres = append(records[0].Genres, "history")
	return records
}

func TestListBooks(t *testing.T) {
	s := newTestServer(t, &fakeIngestor{}, listingRecords())

	rec := do(t, s, http.MethodGet, "/?genres=biography&page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result view.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Books, 5)
	assert.Equal(t, 25, result.TotalBooksCount)
	assert.Equal(t, 25, result.FilteredBooksCount)
	assert.Equal(t, 2, result.TotalPages)
	assert.Equal(t, 2, result.CurrentPage)
	assert.Equal(t, []string{"biography", "history"}, result.AllGenres)
	assert.Equal(t, 25, result.GenreCounts["biography"])

	rec = do(t, s, http.MethodGet, "/books?genres=biography&genres=history&min_ratings=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Books, 1)
	assert.Equal(t, "Book 01", result.Books[0].Title)
	assert.Equal(t, 25, result.TotalBooksCount)
}

func TestListBooksRejectsNonIntegerParams(t *testing.T) {
	s := newTestServer(t, &fakeIngestor{}, nil)

	for _, target := range []string{"/?page=abc", "/books?min_ratings=1.5"} {
		rec := do(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestListBooksEmptyStore(t *testing.T) {
	s := newTestServer(t, &fakeIngestor{}, nil)

	rec := do(t, s, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result view.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Books)
	assert.Equal(t, 0, result.TotalPages)
	assert.Equal(t, 1, result.CurrentPage)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeIngestor{}, nil)
	do(t, s, http.MethodGet, "/progress", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `shelf_http_requests_total{method="GET",route="/progress",status="200"} 1`)
}
