package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/lepinkainen/humanlog"

	"github.com/aluiziolira/shelf-scraper/config"
	"github.com/aluiziolira/shelf-scraper/export"
	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
	"github.com/aluiziolira/shelf-scraper/pipeline"
	"github.com/aluiziolira/shelf-scraper/scraper"
	"github.com/aluiziolira/shelf-scraper/server"
	"github.com/aluiziolira/shelf-scraper/store"
	"github.com/aluiziolira/shelf-scraper/view"
)

const shutdownTimeout = 5 * time.Second

// CLI is the command tree. Flags left at their zero value keep the configured value.
type CLI struct {
	Config   string        `help:"Path to a YAML config file (default: ./shelfscraper.yaml when present)" type:"path"`
	Store    string        `help:"Record store file (JSON lines)"`
	Cookies  string        `help:"Session cookie file ('name=value; name=value')"`
	Pages    int           `help:"Shelf pages per run"`
	Interval time.Duration `help:"Minimum time between page requests"`
	Verbose  bool          `short:"v" help:"Enable debug logging"`

	Serve  ServeCmd  `cmd:"" help:"Serve the listing view and ingestion control over HTTP"`
	Ingest IngestCmd `cmd:"" help:"Ingest one genre shelf and exit"`
	Export ExportCmd `cmd:"" help:"Write the record store to JSON, CSV or SQLite"`
}

// ServeCmd runs the HTTP service.
type ServeCmd struct {
	Addr string `help:"Listen address"`
}

// IngestCmd runs one ingestion synchronously.
type IngestCmd struct {
	Genre string `arg:"" help:"Genre shelf to ingest"`
}

// ExportCmd converts the record store.
type ExportCmd struct {
	JSON   string `help:"Write an indented JSON array to this path"`
	CSV    string `help:"Write CSV to this path"`
	SQLite string `help:"Write a SQLite database to this path"`
}

type app struct {
	ctx     context.Context
	cfg     *config.Config
	metrics *metrics.Metrics
	store   *store.Store
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("shelfscraper"),
		kong.Description("Scrape genre shelves into a deduplicated book store and serve a filtered listing."),
		kong.UsageOnError(),
	)

	cfg, err := loadConfig(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a := &app{
		ctx:     ctx,
		cfg:     cfg,
		metrics: m,
		store:   store.New(cfg.StoreFile, m),
	}

	if err := kctx.Run(a); err != nil {
		slog.Error("command failed", slog.String("command", kctx.Command()), slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, cli)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, cli *CLI) {
	if cli.Store != "" {
		cfg.StoreFile = cli.Store
	}
	if cli.Cookies != "" {
		cfg.CookieFile = cli.Cookies
	}
	if cli.Pages > 0 {
		cfg.MaxPages = cli.Pages
	}
	if cli.Interval > 0 {
		cfg.PageInterval = cli.Interval
	}
	if cli.Verbose {
		cfg.Verbose = true
	}
	if cli.Serve.Addr != "" {
		cfg.ListenAddr = cli.Serve.Addr
	}
}

// Run serves HTTP until a shutdown signal. Without usable cookies the service stays up
// in read-only mode.
func (c *ServeCmd) Run(a *app) error {
	var fetcher pipeline.PageFetcher
	f, err := newFetcher(a.cfg, a.metrics)
	if err != nil {
		slog.Warn("ingestion disabled, serving read-only", slog.String("cookie_file", a.cfg.CookieFile), slog.Any("error", err))
	} else {
		fetcher = f
	}

	sched := pipeline.NewScheduler(a.cfg, fetcher, a.store, a.metrics)
	listing, err := view.New(a.store, a.cfg.QueryCacheSize, a.metrics)
	if err != nil {
		return fmt.Errorf("build query view: %w", err)
	}

	if !a.cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           server.New(sched, listing, a.metrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("listening",
		slog.String("addr", a.cfg.ListenAddr),
		slog.String("store", a.store.Path()),
		slog.Bool("ingestion_enabled", sched.Enabled()),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-a.ctx.Done():
		slog.Info("shutdown signal received, stopping active run")
	}

	if sched.Cancel() {
		sched.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Run ingests one genre. Missing cookies are fatal here.
func (c *IngestCmd) Run(a *app) error {
	fetcher, err := newFetcher(a.cfg, a.metrics)
	if err != nil {
		return err
	}

	sched := pipeline.NewScheduler(a.cfg, fetcher, a.store, a.metrics)
	start := time.Now()
	snap, err := sched.Run(a.ctx, c.Genre)
	printSummary(snap, time.Since(start), a.store.Path())
	return err
}

// Run writes the current store contents to every requested target.
func (c *ExportCmd) Run(a *app) error {
	targets := c.targets()
	if len(targets) == 0 {
		return errors.New("no export target: pass --json, --csv or --sqlite")
	}

	records, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	writer, err := export.NewMultiWriter(targets...)
	if err != nil {
		return err
	}
	if err := writer.Write(records); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Validate(); err != nil {
		_ = writer.Close()
		return fmt.Errorf("output validation failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return err
	}

	for _, target := range targets {
		slog.Info("export written",
			slog.String("format", target.Format),
			slog.String("path", target.Path),
			slog.Int("records", len(records)),
		)
	}
	return nil
}

func (c *ExportCmd) targets() []export.Target {
	var targets []export.Target
	if c.JSON != "" {
		targets = append(targets, export.Target{Format: "json", Path: c.JSON})
	}
	if c.CSV != "" {
		targets = append(targets, export.Target{Format: "csv", Path: c.CSV})
	}
	if c.SQLite != "" {
		targets = append(targets, export.Target{Format: "sqlite", Path: c.SQLite})
	}
	return targets
}

func newFetcher(cfg *config.Config, m *metrics.Metrics) (*scraper.Fetcher, error) {
	cookies, err := config.LoadCookies(cfg.CookieFile)
	if err != nil {
		return nil, err
	}
	return scraper.NewFetcher(cfg, cookies, m)
}

func printSummary(snap models.ProgressSnapshot, duration time.Duration, storeFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Ingestion %s\n", snap.State)
	fmt.Printf("  Genre:         %s\n", snap.Genre)
	fmt.Printf("  Progress:      %d%%\n", snap.Progress)
	fmt.Printf("  Pages:         %d\n", snap.PagesFetched)
	fmt.Printf("  Records:       %d\n", snap.RecordsParsed)
	fmt.Printf("  Inserted:      %d\n", snap.Merge.Inserted)
	fmt.Printf("  Updated:       %d\n", snap.Merge.Updated)
	fmt.Printf("  Unchanged:     %d\n", snap.Merge.Unchanged)
	if snap.Error != "" {
		fmt.Printf("  Error:         %s (%s)\n", snap.Error, snap.ErrorKind)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Store file:    %s\n", storeFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = humanlog.NewHandler(os.Stdout, &humanlog.Options{Level: level.Level()})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
