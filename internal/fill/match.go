package fill

import (
	"strings"
	"unicode"
)

// Match scores.
const (
	ScoreExact              = 10.0
	ScoreCandidateHasTarget = 8.0
	ScoreTargetHasCandidate = 6.0
	MaxTokenOverlapScore    = 5.0
)

// Score rates how well a candidate string (an option's value or label) matches the target
// value: 10 for an exact case-insensitive match, 8 when the candidate contains the target,
// 6 when the target contains the candidate, otherwise the share of target tokens found in
// the candidate scaled to at most 5. Empty inputs score 0.
func Score(target, candidate string) float64 {
	t, c := normalize(target), normalize(candidate)
	if t == "" || c == "" {
		return 0
	}
	switch {
	case t == c:
		return ScoreExact
	case strings.Contains(c, t):
		return ScoreCandidateHasTarget
	case strings.Contains(t, c):
		return ScoreTargetHasCandidate
	}

	targetTokens := tokens(t)
	if len(targetTokens) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, tok := range tokens(c) {
		have[tok] = true
	}
	shared := 0
	for _, tok := range targetTokens {
		if have[tok] {
			shared++
		}
	}
	return MaxTokenOverlapScore * float64(shared) / float64(len(targetTokens))
}

// Best returns the index of the highest-scoring candidate and its score. Each candidate
// offers several strings (text, value, data-value) and scores its best one. Ties go to
// the earliest candidate. The index is -1 when nothing scores above zero.
func Best(target string, candidates [][]string) (int, float64) {
	best, bestScore := -1, 0.0
	for i, strs := range candidates {
		for _, s := range strs {
			if sc := Score(target, s); sc > bestScore {
				best, bestScore = i, sc
			}
		}
	}
	return best, bestScore
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '-'
	})
}

var truthy = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "on": true, "checked": true, "x": true,
}

// Truthy interprets a semantic value as a checkbox state.
func Truthy(v string) bool {
	return truthy[normalize(v)]
}
