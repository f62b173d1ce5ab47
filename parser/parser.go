// Package parser turns one shelf listing page into candidate book records.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/shelf-scraper/models"
)

// Skip reasons reported in Result.Skipped.
const (
	SkipMissingTitle    = "missing_title"
	SkipMissingLink     = "missing_link"
	SkipMalformedRating = "malformed_rating"
)

const (
	entrySelector  = "div.elementList"
	titleSelector  = "a.bookTitle"
	authorSelector = "a.authorName"
	ratingSelector = "span.greyText.smallText"

	avgRatingPrefix = "avg rating "
	ratingSeparator = " —"
	ratingsSuffix   = " ratings"
)

// ErrMalformedRating is returned by SplitRatingText when a delimiter is missing.
var ErrMalformedRating = errors.New("parser: malformed rating text")

// Result holds the records extracted from a page and per-reason counts of skipped entries.
type Result struct {
	Records []models.BookRecord
	Entries int
	Skipped map[string]int
}

// SkippedTotal sums every skip reason.
func (r *Result) SkippedTotal() int {
	total := 0
	for _, n := range r.Skipped {
		total += n
	}
	return total
}

// Parse extracts every listing entry independently; a malformed entry is counted and
// skipped without affecting its neighbours. base resolves relative book links.
func Parse(markup []byte, genre string, base *url.URL) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	result := &Result{Skipped: make(map[string]int)}
	doc.Find(entrySelector).Each(func(_ int, entry *goquery.Selection) {
		result.Entries++
		record, reason := extractRecord(entry, genre, base)
		if reason != "" {
			result.Skipped[reason]++
			return
		}
		result.Records = append(result.Records, record)
	})
	return result, nil
}

func extractRecord(entry *goquery.Selection, genre string, base *url.URL) (models.BookRecord, string) {
	titleLink := entry.Find(titleSelector).First()
	title := strings.TrimSpace(titleLink.Text())
	if titleLink.Length() == 0 || title == "" {
		return models.BookRecord{}, SkipMissingTitle
	}

	href := strings.TrimSpace(titleLink.AttrOr("href", ""))
	link, err := absoluteURL(base, href)
	if err != nil {
		return models.BookRecord{}, SkipMissingLink
	}

	author := strings.TrimSpace(entry.Find(authorSelector).First().Text())
	if author == "" {
		author = models.Unknown
	}

	avg, count := models.Unknown, models.Unknown
	if rating := entry.Find(ratingSelector).First(); rating.Length() > 0 {
		avg, count, err = SplitRatingText(rating.Text())
		if err != nil {
			return models.BookRecord{}, SkipMalformedRating
		}
	}

	return models.BookRecord{
		Link:       link,
		Title:      title,
		Author:     author,
		AvgRating:  avg,
		NumRatings: count,
		Genres:     []string{genre},
	}, ""
}

// SplitRatingText splits a blob such as
// "avg rating 4.28 — 1,234,567 ratings — published 1960" into "4.28" and "1234567".
func SplitRatingText(blob string) (avg, count string, err error) {
	blob = strings.TrimSpace(blob)

	_, afterPrefix, ok := strings.Cut(blob, avgRatingPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: missing %q", ErrMalformedRating, avgRatingPrefix)
	}
	avg, afterAvg, ok := strings.Cut(afterPrefix, ratingSeparator)
	if !ok {
		return "", "", fmt.Errorf("%w: missing %q", ErrMalformedRating, ratingSeparator)
	}
	countText, _, ok := strings.Cut(afterAvg, ratingsSuffix)
	if !ok {
		return "", "", fmt.Errorf("%w: missing %q", ErrMalformedRating, ratingsSuffix)
	}

	return strings.TrimSpace(avg), models.DigitsOnly(countText), nil
}

func absoluteURL(base *url.URL, href string) (string, error) {
	if href == "" {
		return "", fmt.Errorf("empty href")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	if base == nil {
		if !ref.IsAbs() {
			return "", fmt.Errorf("relative href %q without base", href)
		}
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}
