package consensus

import (
	"strings"
	"unicode"
)

// decisionFields carry an explicit verdict. Two answers that fill the same
// field with different values contradict regardless of wording.
var decisionFields = []string{"verdict", "decision", "recommendation", "audit_verdict", "unlock_decision"}

var (
	positiveMarkers = map[string]bool{
		"approve": true, "approved": true, "accept": true, "accepted": true, "yes": true,
		"pass": true, "passes": true, "proceed": true, "safe": true, "ship": true,
	}
	negativeMarkers = map[string]bool{
		"reject": true, "rejected": true, "deny": true, "denied": true, "no": true,
		"fail": true, "fails": true, "block": true, "blocked": true, "unsafe": true,
	}
)

// Contradicts reports whether two answers are materially contradictory.
// Explicit decision fields that disagree always contradict. Otherwise the
// answers contradict only when they are dissimilar (token Jaccard similarity
// below threshold) and lean in opposite directions. Near-duplicates never
// contradict.
func Contradicts(a, b string, threshold float64) bool {
	if differ, ok := decisionsDiffer(a, b); ok {
		return differ
	}
	if Similarity(a, b) >= threshold {
		return false
	}
	pa, pb := Polarity(a), Polarity(b)
	return pa != 0 && pa == -pb
}

// decisionsDiffer compares the first decision field both answers set. ok is
// false when they share none.
func decisionsDiffer(a, b string) (differ, ok bool) {
	objA, okA := parseObject(a)
	objB, okB := parseObject(b)
	if !okA || !okB {
		return false, false
	}
	for _, f := range decisionFields {
		va, inA := objA[f].(string)
		vb, inB := objB[f].(string)
		if inA && inB {
			return !strings.EqualFold(strings.TrimSpace(va), strings.TrimSpace(vb)), true
		}
	}
	return false, false
}

// Similarity is the Jaccard index of the two answers' lowercase word sets.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Polarity is +1 for an answer that leans positive, -1 for negative and 0
// when balanced or neutral.
func Polarity(s string) int {
	var pos, neg int
	for _, w := range words(s) {
		if positiveMarkers[w] {
			pos++
		}
		if negativeMarkers[w] {
			neg++
		}
	}
	switch {
	case pos > neg:
		return 1
	case neg > pos:
		return -1
	}
	return 0
}

func tokens(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range words(s) {
		set[w] = true
	}
	return set
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
