// Package server exposes ingestion control and the listing view over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
	"github.com/aluiziolira/shelf-scraper/pipeline"
	"github.com/aluiziolira/shelf-scraper/view"
)

// Ingestor starts, cancels and reports ingestion runs.
type Ingestor interface {
	Start(genre string) (string, error)
	Cancel() bool
	Progress() models.ProgressSnapshot
	Enabled() bool
}

// Lister answers listing queries.
type Lister interface {
	Query(q view.Query) (*view.Result, error)
}

// Server routes HTTP requests to the scheduler and the query view.
type Server struct {
	ingest  Ingestor
	lister  Lister
	metrics *metrics.Metrics
	engine  *gin.Engine
}

type scrapeRequest struct {
	Genre string `json:"genre"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the router.
func New(ingest Ingestor, lister Lister, m *metrics.Metrics) *Server {
	s := &Server{
		ingest:  ingest,
		lister:  lister,
		metrics: m,
		engine:  gin.New(),
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/", s.listBooks)
	s.engine.GET("/books", s.listBooks)
	s.engine.POST("/scrape", s.startScrape)
	s.engine.POST("/scrape/cancel", s.cancelScrape)
	s.engine.GET("/progress", s.progress)
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

func (s *Server) startScrape(c *gin.Context) {
	var req scrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	runID, err := s.ingest.Start(req.Genre)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"message": "Scraping started!", "run_id": runID})
	case errors.Is(err, pipeline.ErrEmptyGenre):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "genre is required"})
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, errorResponse{Error: "a scrape is already running"})
	case errors.Is(err, pipeline.ErrIngestionDisabled):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "ingestion is disabled: no session cookies loaded"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) cancelScrape(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.ingest.Cancel()})
}

func (s *Server) progress(c *gin.Context) {
	c.JSON(http.StatusOK, s.ingest.Progress())
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ingestion_enabled": s.ingest.Enabled()})
}

func (s *Server) listBooks(c *gin.Context) {
	minRatings, err := intParam(c, "min_ratings", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	page, err := intParam(c, "page", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := s.lister.Query(view.Query{
		SelectedGenres: c.QueryArray("genres"),
		MinRatings:     minRatings,
		Page:           page,
	})
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load records"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func intParam(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return value, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Header("X-Request-ID", requestID)
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)
		s.metrics.ObserveHTTP(c.Request.Method, route, status, latency)

		attrs := []any{
			slog.String("request_id", requestID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
		}
		switch {
		case len(c.Errors) > 0:
			slog.Error("request failed", append(attrs, slog.String("error", c.Errors.String()))...)
		case status >= http.StatusBadRequest:
			slog.Warn("request rejected", attrs...)
		default:
			slog.Debug("request served", attrs...)
		}
	}
}
