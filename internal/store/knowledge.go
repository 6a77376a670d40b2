package store

import (
	"sort"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// rankKnowledge scores entries against the query by token overlap and
// returns the top hits. An exact phrase hit outranks any partial token
// match. Entries with no matching token are dropped.
func rankKnowledge(entries []models.KnowledgeEntry, query string, limit int) []models.KnowledgeResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}
	tokens := strings.Fields(q)

	var results []models.KnowledgeResult
	for _, e := range entries {
		text := strings.ToLower(e.Title + " " + e.Content)
		score := 0.0
		if strings.Contains(text, q) {
			score = 1.0
		} else if len(tokens) > 0 {
			matched := 0
			for _, tok := range tokens {
				if strings.Contains(text, tok) {
					matched++
				}
			}
			score = float64(matched) / float64(len(tokens))
		}
		if score > 0 {
			results = append(results, models.KnowledgeResult{Title: e.Title, Content: e.Content, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
