package export

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/shelf-scraper/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS books (
	link        TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	author      TEXT NOT NULL,
	avg_rating  TEXT NOT NULL,
	num_ratings TEXT NOT NULL,
	genres      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS book_genres (
	link  TEXT NOT NULL REFERENCES books(link),
	genre TEXT NOT NULL,
	PRIMARY KEY (link, genre)
);
CREATE INDEX IF NOT EXISTS idx_book_genres_genre ON book_genres(genre);
`

// SQLiteWriter writes records into a fresh SQLite database: one row per book plus
// one book_genres row per tag.
type SQLiteWriter struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// NewSQLiteWriter replaces any database at filename and creates the schema.
func NewSQLiteWriter(filename string) (*SQLiteWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove existing database: %w", err)
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteWriter{db: db, path: filename}, nil
}

// Write inserts records in a single transaction. A link written twice keeps the
// later row.
func (sw *SQLiteWriter) Write(records []models.BookRecord) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	tx, err := sw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	bookStmt, err := tx.Prepare(`INSERT OR REPLACE INTO books (link, title, author, avg_rating, num_ratings, genres) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare books insert: %w", err)
	}
	defer func() { _ = bookStmt.Close() }()

	clearStmt, err := tx.Prepare(`DELETE FROM book_genres WHERE link = ?`)
	if err != nil {
		return fmt.Errorf("prepare genre reset: %w", err)
	}
	defer func() { _ = clearStmt.Close() }()

	genreStmt, err := tx.Prepare(`INSERT OR IGNORE INTO book_genres (link, genre) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare genre insert: %w", err)
	}
	defer func() { _ = genreStmt.Close() }()

	for _, rec := range records {
		genres := rec.Genres
		if genres == nil {
			genres = []string{}
		}
		encoded, err := json.Marshal(genres)
		if err != nil {
			return fmt.Errorf("encode genres for %s: %w", rec.Link, err)
		}
		if _, err := bookStmt.Exec(rec.Link, rec.Title, rec.Author, rec.AvgRating, rec.NumRatings, string(encoded)); err != nil {
			return fmt.Errorf("insert book %s: %w", rec.Link, err)
		}
		if _, err := clearStmt.Exec(rec.Link); err != nil {
			return fmt.Errorf("reset genres for %s: %w", rec.Link, err)
		}
		for _, genre := range genres {
			if _, err := genreStmt.Exec(rec.Link, genre); err != nil {
				return fmt.Errorf("insert genre %q for %s: %w", genre, rec.Link, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (sw *SQLiteWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.db.Close()
}

// Validate ensures the books table is readable.
func (sw *SQLiteWriter) Validate() error {
	var count int
	if err := sw.db.QueryRow(`SELECT COUNT(*) FROM books`).Scan(&count); err != nil {
		return fmt.Errorf("query %s: %w", sw.path, err)
	}
	return nil
}
