package export

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/shelf-scraper/models"
)

// MultiWriter fans every batch out to several output formats.
type MultiWriter struct {
	writers []namedWriter
	mu      sync.Mutex
}

type namedWriter struct {
	name string
	w    Writer
}

// Target names one output file and its format.
type Target struct {
	Format string // json, csv or sqlite
	Path   string
}

// Open creates the writer for a single target.
func Open(target Target) (Writer, error) {
	var (
		w   Writer
		err error
	)
	switch target.Format {
	case "json":
		w, err = NewJSONWriter(target.Path)
	case "csv":
		w, err = NewCSVWriter(target.Path)
	case "sqlite":
		w, err = NewSQLiteWriter(target.Path)
	default:
		return nil, fmt.Errorf("unsupported export format %q", target.Format)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewMultiWriter opens every target. Writers opened before a failure are closed.
func NewMultiWriter(targets ...Target) (*MultiWriter, error) {
	if len(targets) == 0 {
		return nil, errors.New("no export targets")
	}

	mw := &MultiWriter{}
	for _, target := range targets {
		w, err := Open(target)
		if err != nil {
			_ = mw.Close()
			return nil, fmt.Errorf("failed to create %s writer: %w", target.Format, err)
		}
		mw.writers = append(mw.writers, namedWriter{name: target.Format, w: w})
	}
	return mw, nil
}

// Write writes records to every target, stopping at the first failure.
func (mw *MultiWriter) Write(records []models.BookRecord) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for _, nw := range mw.writers {
		if err := nw.w.Write(records); err != nil {
			return fmt.Errorf("%s write failed: %w", nw.name, err)
		}
	}
	return nil
}

// Close closes every writer and joins their errors.
func (mw *MultiWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	var errs []error
	for _, nw := range mw.writers {
		if err := nw.w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close failed: %w", nw.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate validates every output.
func (mw *MultiWriter) Validate() error {
	var errs []error
	for _, nw := range mw.writers {
		if err := nw.w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s validation failed: %w", nw.name, err))
		}
	}
	return errors.Join(errs...)
}

// WriteJSON writes records to path as one indented JSON array.
func WriteJSON(records []models.BookRecord, path string) error {
	return writeAll(Target{Format: "json", Path: path}, records)
}

// WriteCSV writes records to path as CSV.
func WriteCSV(records []models.BookRecord, path string) error {
	return writeAll(Target{Format: "csv", Path: path}, records)
}

// WriteSQLite writes records to a new SQLite database at path.
func WriteSQLite(records []models.BookRecord, path string) error {
	return writeAll(Target{Format: "sqlite", Path: path}, records)
}

func writeAll(target Target, records []models.BookRecord) error {
	w, err := Open(target)
	if err != nil {
		return err
	}
	if err := w.Write(records); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Validate(); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
