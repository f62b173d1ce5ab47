// Package export writes snapshots of the record store to other formats.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/shelf-scraper/models"
)

// Writer receives batches of records and finalises its output on Close.
type Writer interface {
	Write(records []models.BookRecord) error
	Close() error
	Validate() error
}

// CSVWriter writes records to CSV with genres joined by ';'.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	header := []string{"link", "title", "author", "avg_rating", "num_ratings", "genres"}
	if err := writer.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends records to the CSV output.
func (cw *CSVWriter) Write(records []models.BookRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, rec := range records {
		row := []string{
			rec.Link,
			rec.Title,
			rec.Author,
			rec.AvgRating,
			rec.NumRatings,
			strings.Join(rec.Genres, ";"),
		}
		if err := cw.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes one indented JSON array holding every record written to it.
// The array is only complete after Close.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	written int
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer and opens the array.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	if _, err := buffer.WriteString("["); err != nil {
		f.Close()
		return nil, fmt.Errorf("open json array: %w", err)
	}
	return &JSONWriter{
		file:   f,
		writer: buffer,
	}, nil
}

// Write appends records as array elements.
func (jw *JSONWriter) Write(records []models.BookRecord) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, rec := range records {
		if rec.Genres == nil {
			rec.Genres = []string{}
		}
		data, err := json.MarshalIndent(rec, "    ", "    ")
		if err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
		sep := ",\n    "
		if jw.written == 0 {
			sep = "\n    "
		}
		if _, err := jw.writer.WriteString(sep); err != nil {
			return fmt.Errorf("write json record: %w", err)
		}
		if _, err := jw.writer.Write(data); err != nil {
			return fmt.Errorf("write json record: %w", err)
		}
		jw.written++
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close terminates the array, flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	closing := "\n]\n"
	if jw.written == 0 {
		closing = "]\n"
	}
	if _, err := jw.writer.WriteString(closing); err != nil {
		return fmt.Errorf("close json array: %w", err)
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
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
