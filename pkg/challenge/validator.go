package challenge

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Validation thresholds. The validator is biased toward accepting: a false
// reject costs a legitimate agent a whole failed challenge.
const (
	MinWords              = 5
	MaxNonAlphaRatio      = 0.6
	MinUniqueWordRatio    = 0.2
	MaxDominantTokenShare = 0.5
)

// Rule names reported in a Verdict.
const (
	RuleTooBrief   = "too_brief"
	RuleNonAlpha   = "non_alphabetic"
	RuleRepetitive = "repetitive"
	RuleNonAnswer  = "non_answer"
)

// nonAnswers are rejected when they make up the entire response.
var nonAnswers = map[string]bool{
	"idk":                              true,
	"i dont know":                      true,
	"i don't know":                     true,
	"n/a":                              true,
	"na":                               true,
	"none":                             true,
	"not sure":                         true,
	"no idea":                          true,
	"no comment":                       true,
	"pass":                             true,
	"skip":                             true,
	"test":                             true,
	"i do not know":                    true,
	"i do not know the answer":         true,
	"i don't know the answer to this":  true,
	"i do not have an answer for this": true,
	"i am not able to answer this":     true,
	"i cannot answer this question":    true,
	"no comment at this time":          true,
	"this is a placeholder response":   true,
	"lorem ipsum dolor sit amet":       true,
}

// Verdict is the result of validating one response.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason"`
}

// Validate scores a free-text response for genuine effort. Rules apply in
// order and the first match rejects.
func Validate(response string) Verdict {
	text := strings.TrimSpace(norm.NFKC.String(response))
	words := tokenize(text)

	if len(words) < MinWords {
		return Verdict{Rule: RuleTooBrief, Reason: "response too brief"}
	}

	if nonAlphaRatio(text) > MaxNonAlphaRatio {
		return Verdict{Rule: RuleNonAlpha, Reason: "not a reasoned answer"}
	}

	if repetitive(words) {
		return Verdict{Rule: RuleRepetitive, Reason: "repetitive or spam response"}
	}

	if nonAnswers[canonical(text)] {
		return Verdict{Rule: RuleNonAnswer, Reason: "non-answer"}
	}

	return Verdict{Accepted: true, Reason: "accepted"}
}

// tokenize splits on whitespace and lowercases, stripping surrounding punctuation.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// nonAlphaRatio is the share of non-space runes that are not letters.
func nonAlphaRatio(text string) float64 {
	var total, nonAlpha int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) {
			nonAlpha++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(nonAlpha) / float64(total)
}

func repetitive(words []string) bool {
	counts := make(map[string]int, len(words))
	top := 0
	for _, w := range words {
		counts[w]++
		if counts[w] > top {
			top = counts[w]
		}
	}
	unique := float64(len(counts)) / float64(len(words))
	dominant := float64(top) / float64(len(words))
	return unique < MinUniqueWordRatio || dominant > MaxDominantTokenShare
}

func canonical(text string) string {
	text = strings.ToLower(text)
	text = strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) && r != '/' || unicode.IsSpace(r)
	})
	return strings.Join(strings.Fields(text), " ")
}
