package registry

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// synonyms maps a normalised query word to expansion terms that should also
// be checked against a template's name/keywords. Hand-curated, not exhaustive
// by design -- sahilm/fuzzy's subsequence scoring (below) catches near-miss
// spellings that would otherwise need their own synonym entry.
var synonyms = map[string][]string{
	"missed":    {"lost", "unpaid", "overdue"},
	"late":      {"overdue", "delinquent"},
	"cancel":    {"void", "terminate"},
	"refund":    {"credit", "reimburse"},
	"invoice":   {"bill", "statement"},
	"customer":  {"client", "account"},
	"duplicate": {"dupe", "repeat"},
}

func normalise(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func expandQuery(query string) map[string]bool {
	words := strings.Fields(normalise(query))
	expanded := make(map[string]bool, len(words)*2)
	for _, w := range words {
		expanded[w] = true
		for _, syn := range synonyms[w] {
			expanded[syn] = true
		}
	}
	return expanded
}

type nameSource []*Template

func (n nameSource) String(i int) string { return normalise(n[i].Name) }
func (n nameSource) Len() int            { return len(n) }

// ResolveFuzzy scores every candidate against query using hand-crafted
// weights (exact name/id match, name-word overlap, enabled bonus) with a
// sahilm/fuzzy subsequence score layered underneath as a +0-2 bonus, and
// returns the best scorer above floor 0.5, or nil if nothing clears it.
func ResolveFuzzy(query string, candidates []*Template) *Template {
	if len(candidates) == 0 {
		return nil
	}

	q := normalise(query)
	expanded := expandQuery(query)

	fuzzyScores := make(map[string]float64, len(candidates))
	if matches := fuzzy.FindFrom(q, nameSource(candidates)); len(matches) > 0 {
		best := 0
		for _, m := range matches {
			if m.Score > best {
				best = m.Score
			}
		}
		if best > 0 {
			for _, m := range matches {
				// Normalise sahilm/fuzzy's unbounded score into a 0-2 bonus.
				fuzzyScores[candidates[m.Index].ID] = (float64(m.Score) / float64(best)) * 2.0
			}
		}
	}

	var bestTemplate *Template
	var bestScore float64

	for _, t := range candidates {
		score := 0.0
		name := normalise(t.Name)

		if name == q {
			score += 15
		}
		if normalise(t.ID) == q {
			score += 10
		}

		for _, word := range strings.Fields(name) {
			if expanded[word] {
				score += 0.5
			}
		}

		if t.Enabled {
			score += 0.1
		}

		score += fuzzyScores[t.ID]

		if score > bestScore {
			bestScore = score
			bestTemplate = t
		}
	}

	if bestScore < 0.5 {
		return nil
	}
	return bestTemplate
}
