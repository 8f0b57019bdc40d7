package scheduling

import "math"

// ReviewSummary aggregates a therapist's ratings.
type ReviewSummary struct {
	Count   int     `json:"count"`
	Sum     int     `json:"-"`
	Average float64 `json:"average"`
}

// SummarizeReviews computes count, sum and the average rounded to two
// decimals. An empty set averages to 0.
func SummarizeReviews(reviews []*Review) ReviewSummary {
	var s ReviewSummary
	for _, r := range reviews {
		s.Count++
		s.Sum += r.Rating
	}
	if s.Count > 0 {
		s.Average = math.Round(float64(s.Sum)/float64(s.Count)*100) / 100
	}
	return s
}

func validateReview(r *Review) error {
	if r.Rating < 1 || r.Rating > 5 {
		return newError(KindInvalidRating, "rating %d outside 1..5", r.Rating)
	}
	if n := len([]rune(r.Comment)); n > MaxCommentLength {
		return newError(KindInvalidNotes, "comment length %d exceeds %d", n, MaxCommentLength)
	}
	return nil
}
