package store

import "github.com/aluiziolira/shelf-scraper/models"

// Merge folds candidates into existing records keyed by Link. For a link that is
// already present, candidate genres are appended to the known ones; existing tags are
// never removed or replaced and the other fields keep their stored values. New links
// are appended in first-seen order. Repeated links or tags inside existing collapse the
// same way. Neither input slice is modified.
func Merge(existing, candidates []models.BookRecord) ([]models.BookRecord, models.MergeStats) {
	merged := make([]models.BookRecord, 0, len(existing)+len(candidates))
	index := make(map[string]int, len(existing)+len(candidates))

	for _, record := range existing {
		if i, ok := index[record.Link]; ok {
			merged[i].AddGenres(record.Genres...)
			continue
		}
		index[record.Link] = len(merged)
		clean := record
		clean.Genres = make([]string, 0, len(record.Genres))
		clean.AddGenres(record.Genres...)
		merged = append(merged, clean)
	}

	var stats models.MergeStats
	for _, candidate := range candidates {
		if candidate.Link == "" {
			continue
		}
		if i, ok := index[candidate.Link]; ok {
			if merged[i].AddGenres(candidate.Genres...) > 0 {
				stats.Updated++
			} else {
				stats.Unchanged++
			}
			continue
		}
		index[candidate.Link] = len(merged)
		record := candidate.Clone()
		record.Genres = nil
		record.AddGenres(candidate.Genres...)
		merged = append(merged, record)
		stats.Inserted++
	}

	stats.Total = len(merged)
	return merged, stats
}
