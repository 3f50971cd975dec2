package mapping

import (
	"math"
	"strconv"
	"strings"
)

// Stats summarises the health of the mapping document.
type Stats struct {
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Inactive    int     `json:"inactive"`
	Problematic int     `json:"problematic"`
	HealthScore float64 `json:"health_score"`
}

// ComputeStats counts active and inactive mappings. An active mapping is
// problematic when a blocked buyer would have nowhere to go.
func ComputeStats(entries []Entry) Stats {
	var s Stats
	for _, e := range entries {
		s.Total++
		if !e.Active {
			s.Inactive++
			continue
		}
		s.Active++
		if e.PageID <= 0 || strings.TrimSpace(e.TestPageURL) == "" {
			s.Problematic++
		}
	}

	s.HealthScore = 100
	if s.Total > 0 {
		score := float64(s.Active-s.Problematic) / float64(s.Total) * 100
		s.HealthScore = math.Round(score*10) / 10
	}
	return s
}

// Search returns the entries whose product ID, page ID, test URL or notes
// contain term, case-insensitively. An empty term matches nothing.
func Search(entries []Entry, term string) []Entry {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return []Entry{}
	}

	results := make([]Entry, 0)
	for _, e := range entries {
		haystack := strings.ToLower(strings.Join([]string{
			strconv.FormatInt(e.ProductID, 10),
			strconv.FormatInt(e.PageID, 10),
			e.TestPageURL,
			e.Notes,
		}, " "))
		if strings.Contains(haystack, term) {
			results = append(results, e)
		}
	}
	return results
}
