package parser

import (
	"errors"
	"net/url"
	"strings"
	"testing"
)

func mustBase(t *testing.T) *url.URL {
	t.Helper()
	base, err := url.Parse("https://www.goodreads.com")
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	return base
}

func entry(href, title, author, rating string) string {
	var b strings.Builder
	b.WriteString(`<div class="elementList"><div class="left">`)
	if title != "" || href != "" {
		b.WriteString(`<a class="bookTitle" href="` + href + `">` + title + `</a>`)
	}
	if author != "" {
		b.WriteString(` by <span itemprop="author"><a class="authorName" href="/author/1">` + author + `</a></span>`)
	}
	if rating != "" {
		b.WriteString(`<br><span class="greyText smallText">` + rating + `</span>`)
	}
	b.WriteString(`</div></div>`)
	return b.String()
}

func page(entries ...string) []byte {
	return []byte("<html><body><div class=\"leftContainer\">" + strings.Join(entries, "") + "</div></body></html>")
}

func TestParseExtractsFields(t *testing.T) {
	markup := page(entry(
		"/book/show/2657.To_Kill_a_Mockingbird",
		" To Kill a Mockingbird ",
		"Harper Lee",
		"\n      avg rating 4.26 —\n      6,123,456 ratings —\n      published 1960\n    ",
	))

	result, err := Parse(markup, "classics", mustBase(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(result.Records))
	}

	got := result.Records[0]
	if got.Link != "https://www.goodreads.com/book/show/2657.To_Kill_a_Mockingbird" {
		t.Fatalf("link = %q", got.Link)
	}
	if got.Title != "To Kill a Mockingbird" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.Author != "Harper Lee" {
		t.Fatalf("author = %q", got.Author)
	}
	if got.AvgRating != "4.26" {
		t.Fatalf("avg rating = %q", got.AvgRating)
	}
	if got.NumRatings != "6123456" {
		t.Fatalf("num ratings = %q", got.NumRatings)
	}
	if len(got.Genres) != 1 || got.Genres[0] != "classics" {
		t.Fatalf("genres = %v, want [classics]", got.Genres)
	}
}

func TestParseSkipsMalformedEntries(t *testing.T) {
	markup := page(
		entry("/book/show/1", "Good One", "Author A", "avg rating 4.00 — 10 ratings"),
		entry("", "", "Nobody", "avg rating 3.00 — 5 ratings"),
		entry("", "No Link", "Author B", "avg rating 3.50 — 7 ratings"),
		entry("/book/show/2", "Broken Rating", "Author C", "rated it amazing"),
		entry("/book/show/3", "No Author", "", ""),
	)

	result, err := Parse(markup, "biography", mustBase(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Entries != 5 {
		t.Fatalf("entries = %d, want 5", result.Entries)
	}
	if len(result.Records) != 2 {
		t.Fatalf("records = %d, want 2: %+v", len(result.Records), result.Records)
	}
	if result.Skipped[SkipMissingTitle] != 1 || result.Skipped[SkipMissingLink] != 1 || result.Skipped[SkipMalformedRating] != 1 {
		t.Fatalf("skipped = %v", result.Skipped)
	}
	if result.SkippedTotal() != 3 {
		t.Fatalf("skipped total = %d, want 3", result.SkippedTotal())
	}

	noAuthor := result.Records[1]
	if noAuthor.Author != "unknown" || noAuthor.AvgRating != "unknown" || noAuthor.NumRatings != "unknown" {
		t.Fatalf("expected unknown sentinels, got %+v", noAuthor)
	}
}

func TestParseEmptyPage(t *testing.T) {
	result, err := Parse([]byte("<html><body><p>No books on this shelf.</p></body></html>"), "poetry", mustBase(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(result.Records) != 0 || result.Entries != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestParseAbsoluteLinkWithoutBase(t *testing.T) {
	markup := page(entry("https://example.test/book/9", "Absolute", "A", ""))
	result, err := Parse(markup, "x", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(result.Records) != 1 || result.Records[0].Link != "https://example.test/book/9" {
		t.Fatalf("records = %+v", result.Records)
	}
}

func TestSplitRatingText(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantAvg   string
		wantCount string
		wantErr   bool
	}{
		{
			name:      "multiline blob",
			input:     "avg rating 4.12 —\n 1,234 ratings — published 2001",
			wantAvg:   "4.12",
			wantCount: "1234",
		},
		{
			name:      "single rating",
			input:     "avg rating 5.00 — 1 ratings",
			wantAvg:   "5.00",
			wantCount: "1",
		},
		{
			name:      "dotted separators",
			input:     "avg rating 3.9 — 12.345 ratings",
			wantAvg:   "3.9",
			wantCount: "12345",
		},
		{name: "missing prefix", input: "4.12 — 1,234 ratings", wantErr: true},
		{name: "missing separator", input: "avg rating 4.12 1,234 ratings", wantErr: true},
		{name: "missing suffix", input: "avg rating 4.12 — 1,234", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avg, count, err := SplitRatingText(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRating) {
					t.Fatalf("expected ErrMalformedRating, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			if avg != tt.wantAvg || count != tt.wantCount {
				t.Fatalf("SplitRatingText(%q) = %q, %q, want %q, %q", tt.input, avg, count, tt.wantAvg, tt.wantCount)
			}
		})
	}
}
