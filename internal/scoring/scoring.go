// Package scoring grades a submitted answer set against an answer key.
// It is a pure function of its inputs: no I/O, no shared state, identical
// output for identical input, so a submission can be re-scored for audit.
package scoring

import "sort"

// Result is the outcome of grading one answer set.
type Result struct {
	CorrectCount int             `json:"correct_count"`
	TotalCount   int             `json:"total_count"`
	Percent      float64         `json:"percent"`
	PerItem      map[string]bool `json:"per_item"`
	// UnknownItems lists answered item IDs that are absent from the key
	// (malformed data). They are excluded from TotalCount instead of
	// failing the whole grade.
	UnknownItems []string `json:"unknown_items,omitempty"`
}

// Score grades answers against key. Every item in the key counts toward
// TotalCount; unanswered items count as incorrect, never as errors.
func Score(answers map[string]string, key map[string]string) Result {
	res := Result{
		TotalCount: len(key),
		PerItem:    make(map[string]bool, len(key)),
	}

	for itemID, correct := range key {
		given, ok := answers[itemID]
		isCorrect := ok && given == correct
		res.PerItem[itemID] = isCorrect
		if isCorrect {
			res.CorrectCount++
		}
	}

	for itemID := range answers {
		if _, ok := key[itemID]; !ok {
			res.UnknownItems = append(res.UnknownItems, itemID)
		}
	}
	// Deterministic order regardless of map iteration.
	sort.Strings(res.UnknownItems)

	if res.TotalCount > 0 {
		res.Percent = (float64(res.CorrectCount) / float64(res.TotalCount)) * 100
	}

	return res
}
