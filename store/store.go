// Package store persists deduplicated book records as one JSON object per line.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
)

// maxLineSize bounds a decodable line. Longer lines are kept as malformed.
const maxLineSize = 1 << 20

// LoadStats describes the outcome of reading the store file.
type LoadStats struct {
	Records    int
	Malformed  int
	Duplicates int
}

// Store is the single writer of the line-delimited record file. Writes replace the
// file through a rename under an exclusive lock; reads share the lock, so a reader
// never observes a partially written file.
type Store struct {
	path    string
	metrics *metrics.Metrics

	mu         sync.RWMutex
	generation atomic.Uint64

	statsMu   sync.Mutex
	lastStats LoadStats
}

// New returns a store backed by path. The file is created on the first save.
func New(path string, m *metrics.Metrics) *Store {
	return &Store{path: path, metrics: m}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Generation changes after every successful save.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// LastLoadStats reports the counts from the most recent load.
func (s *Store) LastLoadStats() LoadStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lastStats
}

// Load reads every record. A missing file is an empty store. Lines that do not decode
// are skipped and counted (see LastLoadStats); they never fail the read path.
func (s *Store) Load() ([]models.BookRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, _, err := s.loadLocked()
	return records, err
}

// MergeAndSave merges candidates into the stored records and rewrites the file.
// An empty batch leaves the file untouched.
func (s *Store) MergeAndSave(candidates []models.BookRecord) (models.MergeStats, error) {
	if len(candidates) == 0 {
		return models.MergeStats{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, malformed, err := s.loadLocked()
	if err != nil {
		return models.MergeStats{}, err
	}

	merged, stats := Merge(existing, candidates)
	if err := s.writeLocked(merged, malformed); err != nil {
		return models.MergeStats{}, err
	}
	s.generation.Add(1)

	slog.Debug("store merged",
		slog.String("path", s.path),
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("unchanged", stats.Unchanged),
		slog.Int("total", stats.Total),
	)
	return stats, nil
}

// loadLocked returns the decoded records plus the raw lines it could not decode.
func (s *Store) loadLocked() ([]models.BookRecord, [][]byte, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.recordStats(LoadStats{})
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	decoded, malformed, err := decodeLines(f)
	if err != nil {
		return nil, nil, fmt.Errorf("read store %s: %w", s.path, err)
	}
	records, _ := Merge(decoded, nil)

	stats := LoadStats{
		Records:    len(records),
		Malformed:  len(malformed),
		Duplicates: len(decoded) - len(records),
	}
	s.recordStats(stats)
	if stats.Malformed > 0 || stats.Duplicates > 0 {
		slog.Warn("store contains malformed or duplicate lines",
			slog.String("path", s.path),
			slog.Int("malformed", stats.Malformed),
			slog.Int("duplicates", stats.Duplicates),
			slog.Int("records", stats.Records),
		)
	}
	return records, malformed, nil
}

func (s *Store) recordStats(stats LoadStats) {
	s.statsMu.Lock()
	s.lastStats = stats
	s.statsMu.Unlock()
	s.metrics.SetMalformedLines(stats.Malformed)
}

func decodeLines(r io.Reader) ([]models.BookRecord, [][]byte, error) {
	reader := bufio.NewReaderSize(r, 64*1024)

	var (
		records   []models.BookRecord
		malformed [][]byte
	)
	for {
		raw, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, nil, readErr
		}

		line := bytes.TrimSpace(raw)
		if len(line) > 0 {
			var record models.BookRecord
			switch {
			case len(line) > maxLineSize:
				malformed = append(malformed, line)
			case json.Unmarshal(line, &record) != nil || record.Link == "":
				malformed = append(malformed, line)
			default:
				if record.Genres == nil {
					record.Genres = []string{}
				}
				records = append(records, record)
			}
		}

		if readErr != nil {
			return records, malformed, nil
		}
	}
}

// writeLocked writes records to a temp file next to the store, then renames it over
// the store. Undecodable lines from the previous file are carried over verbatim.
func (s *Store) writeLocked(records []models.BookRecord, malformed [][]byte) error {
	if err := ensureDir(s.path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	buffer := bufio.NewWriter(tmp)
	if err := EncodeLines(buffer, records); err != nil {
		return err
	}
	for _, line := range malformed {
		if _, err := buffer.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write malformed line: %w", err)
		}
	}
	if err := buffer.Flush(); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	committed = true
	return nil
}

// EncodeLines writes one JSON object per record, each terminated by a newline.
func EncodeLines(w io.Writer, records []models.BookRecord) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if record.Genres == nil {
			record.Genres = []string{}
		}
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("encode record %s: %w", record.Link, err)
		}
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
