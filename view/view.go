// Package view answers filtered, sorted and paginated listing queries over the store.
package view

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/shelf-scraper/metrics"
	"github.com/aluiziolira/shelf-scraper/models"
)

// PageSize is the fixed number of records per listing page.
const PageSize = 20

// Source is the read contract the view needs from the record store.
type Source interface {
	Load() ([]models.BookRecord, error)
	Generation() uint64
}

// Query selects records carrying every genre in SelectedGenres and at least
// MinRatings ratings, and returns page Page (1-based).
type Query struct {
	SelectedGenres []string
	MinRatings     int
	Page           int
}

// Result is one listing page plus the counts needed to render filters and pagination.
type Result struct {
	Books              []models.BookRecord `json:"books"`
	TotalBooksCount    int                 `json:"total_books_count"`
	FilteredBooksCount int                 `json:"filtered_books_count"`
	AllGenres          []string            `json:"all_genres"`
	GenreCounts        map[string]int      `json:"genre_counts"`
	SelectedGenres     []string            `json:"selected_genres"`
	MinRatings         int                 `json:"min_ratings"`
	CurrentPage        int                 `json:"current_page"`
	TotalPages         int                 `json:"total_pages"`
	PageSize           int                 `json:"page_size"`
}

// View computes listing results, caching them per store generation.
type View struct {
	source  Source
	cache   *lru.Cache[string, *Result]
	metrics *metrics.Metrics
}

// New builds a view over source with an LRU of cacheSize results.
func New(source Source, cacheSize int, m *metrics.Metrics) (*View, error) {
	cache, err := lru.New[string, *Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &View{source: source, cache: cache, metrics: m}, nil
}

// Query returns the requested page. Cached results are shared, so callers must treat
// the returned value as read-only.
func (v *View) Query(q Query) (*Result, error) {
	q = normalize(q)
	key := cacheKey(v.source.Generation(), q)
	if cached, ok := v.cache.Get(key); ok {
		v.metrics.IncQueryCache("hit")
		return cached, nil
	}
	v.metrics.IncQueryCache("miss")

	records, err := v.source.Load()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	result := Build(records, q)
	v.cache.Add(key, result)
	return result, nil
}

// Build runs a query against an in-memory record set. Genre counts always cover the
// full set, independent of the active filter.
func Build(records []models.BookRecord, q Query) *Result {
	q = normalize(q)

	counts := GenreCounts(records)
	allGenres := make([]string, 0, len(counts))
	for genre := range counts {
		allGenres = append(allGenres, genre)
	}
	sort.Strings(allGenres)

	filtered := make([]models.BookRecord, 0, len(records))
	for _, record := range records {
		if matches(record, q) {
			filtered = append(filtered, record)
		}
	}
	SortByRating(filtered)

	totalPages := (len(filtered) + PageSize - 1) / PageSize
	start := (q.Page - 1) * PageSize
	end := start + PageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}

	return &Result{
		Books:              filtered[start:end:end],
		TotalBooksCount:    len(records),
		FilteredBooksCount: len(filtered),
		AllGenres:          allGenres,
		GenreCounts:        counts,
		SelectedGenres:     q.SelectedGenres,
		MinRatings:         q.MinRatings,
		CurrentPage:        q.Page,
		TotalPages:         totalPages,
		PageSize:           PageSize,
	}
}

// GenreCounts counts the records carrying each genre tag.
func GenreCounts(records []models.BookRecord) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		seen := make(map[string]struct{}, len(record.Genres))
		for _, genre := range record.Genres {
			if _, dup := seen[genre]; dup {
				continue
			}
			seen[genre] = struct{}{}
			counts[genre]++
		}
	}
	return counts
}

// SortByRating orders records by average rating, highest first. Records whose rating
// does not parse come after every parsed rating. Ties fall back to ratings count
// (descending), then title, then link, which makes the order total.
func SortByRating(records []models.BookRecord) {
	slices.SortStableFunc(records, func(a, b models.BookRecord) int {
		ar, aok := a.AvgRatingValue()
		br, bok := b.AvgRatingValue()
		switch {
		case aok && !bok:
			return -1
		case !aok && bok:
			return 1
		case aok && bok && ar != br:
			if ar > br {
				return -1
			}
			return 1
		}
		if an, bn := a.NumRatingsValue(), b.NumRatingsValue(); an != bn {
			if an > bn {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.Title, b.Title); c != 0 {
			return c
		}
		return strings.Compare(a.Link, b.Link)
	})
}

func matches(record models.BookRecord, q Query) bool {
	for _, genre := range q.SelectedGenres {
		if !record.HasGenre(genre) {
			return false
		}
	}
	return record.NumRatingsValue() >= q.MinRatings
}

func normalize(q Query) Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.MinRatings < 0 {
		q.MinRatings = 0
	}
	selected := make([]string, 0, len(q.SelectedGenres))
	for _, genre := range q.SelectedGenres {
		genre = strings.TrimSpace(genre)
		if genre == "" || slices.Contains(selected, genre) {
			continue
		}
		selected = append(selected, genre)
	}
	q.SelectedGenres = selected
	return q
}

func cacheKey(generation uint64, q Query) string {
	genres := slices.Clone(q.SelectedGenres)
	sort.Strings(genres)
	return strconv.FormatUint(generation, 10) + "|" + strings.Join(genres, "\x1f") + "|" +
		strconv.Itoa(q.MinRatings) + "|" + strconv.Itoa(q.Page)
}
