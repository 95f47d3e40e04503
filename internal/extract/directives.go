package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/hurttlocker/understory/internal/store"
)

// Bracketed directives let the user bypass pattern scoring entirely. A line
// carrying a directive is consumed whole and never reaches the pattern table.
var (
	doneDirectiveRE     = regexp.MustCompile(`(?i)\[done\]\s*`)
	goalDirectiveRE     = regexp.MustCompile(`(?i)\[goal(?:\s+due:([^\]\s]+))?\]\s*`)
	rememberDirectiveRE = regexp.MustCompile(`(?i)\[remember\]\s*`)
)

// dueDateLayouts are the accepted formats for a goal's due: value.
var dueDateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04",
}

// scanDirectives checks one line for a bracketed directive and reports whether
// the line was consumed. Priority: [done] over [goal] over [remember]. A
// [goal] with a malformed due: value is dropped without producing a candidate;
// other lines in the message are unaffected.
func (e *Extractor) scanDirectives(line string, res *Result) bool {
	if loc := doneDirectiveRE.FindStringIndex(line); loc != nil {
		if phrase := trimContent(line[loc[1]:]); phrase != "" {
			res.Done = append(res.Done, phrase)
		}
		return true
	}

	if m := goalDirectiveRE.FindStringSubmatchIndex(line); m != nil {
		content := trimContent(line[m[1]:])
		if content == "" {
			return true
		}
		var deadline *time.Time
		if m[2] >= 0 {
			due, err := parseDueDate(line[m[2]:m[3]])
			if err != nil {
				// Malformed deadline drops this candidate only.
				return true
			}
			deadline = &due
		}
		res.Candidates = append(res.Candidates, Candidate{
			Content:     content,
			FactType:    store.FactTypeGoal,
			Category:    classifyCategory(content),
			Confidence:  1.0,
			Method:      store.MethodTag,
			Tags:        []string{"user-tagged"},
			Deadline:    deadline,
			SourceQuote: line,
		})
		return true
	}

	if loc := rememberDirectiveRE.FindStringIndex(line); loc != nil {
		content := trimContent(line[loc[1]:])
		if content == "" {
			return true
		}
		factType := store.FactTypeFact
		category := classifyCategory(content)
		if r, ok := matchRule(content); ok {
			factType = r.factType
			if r.category != "" {
				category = r.category
			}
		}
		res.Candidates = append(res.Candidates, Candidate{
			Content:     content,
			FactType:    factType,
			Category:    category,
			Confidence:  1.0,
			Method:      store.MethodTag,
			Tags:        []string{"user-tagged"},
			SourceQuote: line,
		})
		return true
	}

	return false
}

// parseDueDate parses a due: value in date or date-time form, always UTC.
func parseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var firstErr error
	for _, layout := range dueDateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
