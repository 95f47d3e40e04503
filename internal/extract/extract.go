// Package extract turns raw channel messages into structured fact candidates.
//
// Extraction is deterministic and rule-driven. Explicit bracketed directives
// ([remember], [goal], [done]) are scanned first and consume their line; the
// remaining text is split into sentences and run through an ordered table of
// phrasing rules where the first match wins. No network calls, no model
// inference, no side effects.
package extract

import (
	"strings"
	"time"
	"unicode"

	"github.com/hurttlocker/understory/internal/store"
)

const (
	// MinMessageLength is the smallest raw message worth scanning at all.
	MinMessageLength = 15

	// MinSentenceLength is the smallest sentence considered for pattern rules.
	MinSentenceLength = 10
)

// Candidate is one extracted fact candidate, ready for resolution.
type Candidate struct {
	Content     string
	FactType    string
	Category    string
	Confidence  float64
	Method      string
	Tags        []string
	Deadline    *time.Time // goals only, from a due: directive
	SourceQuote string     // the sentence or line the candidate came from
}

// Result holds everything extraction found in a single message.
type Result struct {
	Candidates []Candidate
	Done       []string // phrases from [done] directives, matched against active goals downstream
}

// Empty reports whether extraction produced nothing actionable.
func (r Result) Empty() bool {
	return len(r.Candidates) == 0 && len(r.Done) == 0
}

// Extractor scans messages for fact candidates.
type Extractor struct{}

// New returns a ready Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract runs the full pipeline on one raw message. Directive lines are
// consumed entirely; everything else goes through sentence splitting and the
// pattern table. Messages below MinMessageLength yield an empty Result.
func (e *Extractor) Extract(text string) Result {
	var res Result
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < MinMessageLength {
		return res
	}

	var plain []string
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if e.scanDirectives(line, &res) {
			continue
		}
		plain = append(plain, line)
	}

	for _, sentence := range splitSentences(strings.Join(plain, "\n")) {
		if shouldSkipSentence(sentence) {
			continue
		}
		cand, ok := matchPatterns(sentence)
		if !ok {
			continue
		}
		res.Candidates = append(res.Candidates, cand)
	}

	res.Candidates = dedupeCandidates(res.Candidates)
	return res
}

// splitSentences breaks text on newlines, then on ./!/? terminators followed
// by whitespace or end of line. A terminator glued to the next rune (decimals,
// version strings, "9.30") does not split.
func splitSentences(text string) []string {
	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		start := 0
		for i := 0; i < len(runes); i++ {
			if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
				continue
			}
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}

// interrogatives are leading words that mark a sentence as a question even
// without a trailing question mark.
var interrogatives = map[string]bool{
	"what": true, "who": true, "whom": true, "whose": true,
	"where": true, "when": true, "why": true, "how": true, "which": true,
	"can": true, "could": true, "would": true, "will": true,
	"shall": true, "should": true,
	"do": true, "does": true, "did": true,
	"is": true, "are": true, "am": true, "was": true, "were": true,
}

// shouldSkipSentence filters sentences too short or question-shaped to hold
// a declarative fact.
func shouldSkipSentence(s string) bool {
	if len(s) < MinSentenceLength {
		return true
	}
	if strings.HasSuffix(s, "?") {
		return true
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return true
	}
	first := strings.ToLower(strings.Trim(fields[0], ",.;:!\"'"))
	return interrogatives[first]
}

// dedupeCandidates drops candidates whose normalized content already appeared
// earlier in the same message. First occurrence wins, order is preserved.
func dedupeCandidates(cands []Candidate) []Candidate {
	if len(cands) < 2 {
		return cands
	}
	seen := make(map[string]bool, len(cands))
	out := cands[:0]
	for _, c := range cands {
		key := store.NormalizeContent(c.Content)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
