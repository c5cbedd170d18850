package history

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// phoneticNameThreshold accepts candidates that already overlap
	// phonetically with the target name.
	phoneticNameThreshold = 0.70
	// fuzzyNameThreshold applies when no phonetic overlap exists, which
	// includes all non-Latin names (Double Metaphone only codes A-Z).
	fuzzyNameThreshold = 0.85
)

// rankNames returns the index and score of the candidate most similar to
// name. Candidates sharing a Double Metaphone code with the target — the
// way a transcribed name drifts in spelling but not in sound — are accepted
// at the lower phonetic threshold; everything else, Hebrew names included,
// must clear the stricter Jaro-Winkler threshold.
func rankNames(name string, candidates []string) (int, float64, bool) {
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" || len(candidates) == 0 {
		return 0, 0, false
	}
	targetCodes := metaphoneCodes(target)

	bestIdx := -1
	bestScore := 0.0
	for i, cand := range candidates {
		c := strings.ToLower(strings.TrimSpace(cand))
		if c == "" {
			continue
		}
		score := matchr.JaroWinkler(target, c, false)
		threshold := fuzzyNameThreshold
		if codesOverlap(targetCodes, metaphoneCodes(c)) {
			threshold = phoneticNameThreshold
		}
		if score >= threshold && score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx < 0 {
		return 0, 0, false
	}
	return bestIdx, bestScore, true
}

// metaphoneCodes returns the Double Metaphone codes of every word in s.
func metaphoneCodes(s string) []string {
	var codes []string
	for _, word := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(word)
		if p != "" {
			codes = append(codes, p)
		}
		if sec != "" && sec != p {
			codes = append(codes, sec)
		}
	}
	return codes
}

func codesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
