// Package pipeline drives ingestion runs: one fetch, parse and merge per shelf page,
// throttled toward the upstream site, with progress published to concurrent readers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/shelf-scraper/config"
	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
	"github.com/aluiziolira/shelf-scraper/parser"
	"github.com/aluiziolira/shelf-scraper/scraper"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("pipeline: ingestion already running")
	// ErrIngestionDisabled is returned when the scheduler has no fetcher (read-only mode).
	ErrIngestionDisabled = errors.New("pipeline: ingestion disabled")
	// ErrEmptyGenre is returned for a blank genre.
	ErrEmptyGenre = errors.New("pipeline: genre cannot be empty")
)

// PageFetcher returns the raw markup of one shelf page.
type PageFetcher interface {
	Fetch(ctx context.Context, genre string, page int) ([]byte, error)
	BaseURL() *url.URL
}

// RecordStore merges candidate records into durable storage.
type RecordStore interface {
	MergeAndSave(candidates []models.BookRecord) (models.MergeStats, error)
}

// Scheduler runs at most one ingestion at a time.
type Scheduler struct {
	cfg     *config.Config
	fetcher PageFetcher
	store   RecordStore
	tracker *Tracker
	metrics *metrics.Metrics

	mu     sync.Mutex // guards cancel/done
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires a scheduler. A nil fetcher yields a scheduler that rejects every
// run with ErrIngestionDisabled but still reports progress.
func NewScheduler(cfg *config.Config, fetcher PageFetcher, store RecordStore, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		tracker: NewTracker(m),
		metrics: m,
	}
}

// Enabled reports whether the scheduler can ingest.
func (s *Scheduler) Enabled() bool {
	return s.fetcher != nil
}

// Progress returns the progress of the current or most recent run.
func (s *Scheduler) Progress() models.ProgressSnapshot {
	return s.tracker.Snapshot()
}

// Start launches a run in the background and returns its ID immediately.
func (s *Scheduler) Start(genre string) (string, error) {
	ctx, runID, err := s.begin(context.Background(), genre)
	if err != nil {
		return "", err
	}
	go s.execute(ctx, runID, strings.TrimSpace(genre))
	return runID, nil
}

// Run ingests genre synchronously and returns the final progress.
func (s *Scheduler) Run(ctx context.Context, genre string) (models.ProgressSnapshot, error) {
	runCtx, runID, err := s.begin(ctx, genre)
	if err != nil {
		return s.Progress(), err
	}
	err = s.execute(runCtx, runID, strings.TrimSpace(genre))
	return s.Progress(), err
}

// Cancel stops the active run at its next page boundary. It reports whether a run was active.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Wait blocks until the active run, if any, has finished.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) begin(parent context.Context, genre string) (context.Context, string, error) {
	if s.fetcher == nil {
		return nil, "", ErrIngestionDisabled
	}
	genre = strings.TrimSpace(genre)
	if genre == "" {
		return nil, "", ErrEmptyGenre
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil, "", ErrRunInProgress
	}

	ctx, cancel := context.WithCancel(parent)
	runID := uuid.NewString()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.tracker.begin(runID, genre)
	return ctx, runID, nil
}

func (s *Scheduler) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
	s.cancel = nil
	s.done = nil
}

func (s *Scheduler) execute(ctx context.Context, runID, genre string) error {
	defer s.end()

	logger := slog.With(slog.String("run_id", runID), slog.String("genre", genre))
	logger.Info("ingestion started", slog.Int("pages", s.cfg.MaxPages))

	limiter := newPageLimiter(s.cfg.PageInterval)
	for page := 1; page <= s.cfg.MaxPages; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return s.stop(ctx, logger, err)
		}

		start := time.Now()
		parsed, err := s.processPage(ctx, genre, page)
		if err != nil {
			return s.stop(ctx, logger, fmt.Errorf("page %d: %w", page, err))
		}

		percent := page * 100 / s.cfg.MaxPages
		s.tracker.advance(percent, parsed.Records, parsed.Merge)
		logger.Info("shelf page ingested",
			slog.Int("page", page),
			slog.Int("records", parsed.Records),
			slog.Int("skipped", parsed.Skipped),
			slog.Int("inserted", parsed.Merge.Inserted),
			slog.Int("updated", parsed.Merge.Updated),
			slog.Int("progress", percent),
			slog.Duration("elapsed", time.Since(start)),
		)

		if s.cfg.StopOnEmptyPage && parsed.Records == 0 {
			logger.Info("shelf exhausted, stopping early", slog.Int("page", page))
			break
		}
	}

	s.tracker.finish(models.StateCompleted, nil)
	logger.Info("ingestion completed", slog.Int("progress", s.tracker.Percent()))
	return nil
}

// stop records a cancelled or failed run and returns the cause.
func (s *Scheduler) stop(ctx context.Context, logger *slog.Logger, err error) error {
	if ctx.Err() != nil {
		s.tracker.finish(models.StateCancelled, nil)
		logger.Warn("ingestion cancelled", slog.Int("progress", s.tracker.Percent()))
		return ctx.Err()
	}
	s.tracker.finish(models.StateFailed, err)
	logger.Error("ingestion failed",
		slog.Int("progress", s.tracker.Percent()),
		slog.String("kind", string(scraper.KindOf(err))),
		slog.Any("error", err),
	)
	return err
}

type pageOutcome struct {
	Records int
	Skipped int
	Merge   models.MergeStats
}

func (s *Scheduler) processPage(ctx context.Context, genre string, page int) (pageOutcome, error) {
	markup, err := s.fetchWithRetry(ctx, genre, page)
	if err != nil {
		return pageOutcome{}, err
	}

	result, err := parser.Parse(markup, genre, s.fetcher.BaseURL())
	if err != nil {
		return pageOutcome{}, fmt.Errorf("parse: %w", err)
	}
	s.metrics.ObservePage(len(result.Records), result.Skipped)
	if skipped := result.SkippedTotal(); skipped > 0 {
		slog.Debug("listing entries skipped",
			slog.String("genre", genre),
			slog.Int("page", page),
			slog.Any("reasons", result.Skipped),
		)
	}

	stats, err := s.store.MergeAndSave(result.Records)
	if err != nil {
		return pageOutcome{}, fmt.Errorf("merge: %w", err)
	}
	s.metrics.ObserveMerge(stats.Inserted, stats.Updated, stats.Unchanged)

	return pageOutcome{
		Records: len(result.Records),
		Skipped: result.SkippedTotal(),
		Merge:   stats,
	}, nil
}

func (s *Scheduler) fetchWithRetry(ctx context.Context, genre string, page int) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		markup, err := s.fetcher.Fetch(ctx, genre, page)
		if err == nil {
			return markup, nil
		}
		if attempt >= s.cfg.MaxRetries || !scraper.IsTransient(err) {
			return nil, err
		}

		delay := backoff(s.cfg, attempt+1)
		slog.Warn("retrying shelf page",
			slog.String("genre", genre),
			slog.Int("page", page),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func backoff(cfg *config.Config, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// newPageLimiter spaces page iterations at least interval apart; the first page
// starts immediately.
func newPageLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
