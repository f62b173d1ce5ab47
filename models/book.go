// Package models defines data structures shared by the ingestion pipeline and the read path.
package models

import (
	"strconv"
	"strings"
	"time"
)

// Unknown marks a field the listing page did not provide.
const Unknown = "unknown"

// BookRecord is one deduplicated book keyed by its detail-page link.
// The JSON field names are the persisted line format and must not change.
type BookRecord struct {
	Link       string   `json:"Link"`
	Title      string   `json:"Title"`
	Author     string   `json:"Author"`
	AvgRating  string   `json:"Avg Rating"`
	NumRatings string   `json:"Num Ratings"`
	Genres     []string `json:"Genres"`
}

// AvgRatingValue parses the average rating. ok is false when the text is not a number.
func (b BookRecord) AvgRatingValue() (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(b.AvgRating), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// NumRatingsValue returns the ratings count with grouping separators and any other
// non-digit characters ignored. A count without digits is 0.
func (b BookRecord) NumRatingsValue() int {
	digits := DigitsOnly(b.NumRatings)
	if digits == "" {
		return 0
	}
	value, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return value
}

// HasGenre reports whether the record carries the tag.
func (b BookRecord) HasGenre(genre string) bool {
	for _, g := range b.Genres {
		if g == genre {
			return true
		}
	}
	return false
}

// AddGenres appends tags the record does not carry yet and returns how many were added.
func (b *BookRecord) AddGenres(genres ...string) int {
	added := 0
	for _, genre := range genres {
		if genre == "" || b.HasGenre(genre) {
			continue
		}
		b.Genres = append(b.Genres, genre)
		added++
	}
	return added
}

// Clone returns a deep copy so callers can mutate genres safely.
func (b BookRecord) Clone() BookRecord {
	out := b
	out.Genres = append([]string(nil), b.Genres...)
	return out
}

// DigitsOnly strips every character outside 0-9.
func DigitsOnly(text string) string {
	var builder strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// MergeStats summarises one merge of candidate records into the store.
type MergeStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Total     int `json:"total"`
}

// Add accumulates another merge into s. Total tracks the latest store size; a merge
// that skipped the store (empty batch, Total 0) leaves it unchanged.
func (s *MergeStats) Add(other MergeStats) {
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	if other.Total > 0 {
		s.Total = other.Total
	}
}

// RunState is the lifecycle state of the ingestion tracker.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ProgressSnapshot is a point-in-time copy of the ingestion progress.
type ProgressSnapshot struct {
	Progress      int        `json:"progress"`
	State         RunState   `json:"state"`
	RunID         string     `json:"run_id,omitempty"`
	Genre         string     `json:"genre,omitempty"`
	PagesFetched  int        `json:"pages_fetched"`
	RecordsParsed int        `json:"records_parsed"`
	Merge         MergeStats `json:"merge"`
	Error         string     `json:"error,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitzero"`
	FinishedAt    time.Time  `json:"finished_at,omitzero"`
}
