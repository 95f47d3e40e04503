package extract

import (
	"regexp"
	"strings"

	"github.com/hurttlocker/understory/internal/store"
)

// maxDerivedTags caps how many tags a pattern candidate picks up.
const maxDerivedTags = 4

// rule is one lexical phrasing rule. Rules are checked in table order and the
// first match wins, so more specific phrasings must sit above broader ones
// ("i can't stand" is a preference, "i can't" alone is a constraint).
type rule struct {
	name       string
	re         *regexp.Regexp
	factType   string
	category   string // forced category; empty means classify from content
	confidence float64
}

var rules = []rule{
	{
		name:       "preference",
		re:         regexp.MustCompile(`(?i)\b(i prefer|i'd prefer|i would prefer|i like|i love|i enjoy|i hate|i dislike|i can't stand|i cannot stand|my favorite|my favourite)\b`),
		factType:   store.FactTypePreference,
		confidence: 0.7,
	},
	{
		name:       "decision",
		re:         regexp.MustCompile(`(?i)\b(i decided|i've decided|we decided|we've decided|i chose|we chose|going with|settled on|let's go with)\b`),
		factType:   store.FactTypeDecision,
		confidence: 0.7,
	},
	{
		name:       "constraint",
		re:         regexp.MustCompile(`(?i)\b(i can't|i cannot|i won't|i will not|i must|i have to|not allowed|never schedule|don't schedule|do not schedule|only available|not available|unavailable|out of office|no meetings|i'm out|i'll be out)\b`),
		factType:   store.FactTypeConstraint,
		confidence: 0.6,
	},
	{
		name:       "contact",
		re:         regexp.MustCompile(`(?i)([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}|\+\d[\d\s().-]{7,}\d|\(\d{3}\)\s*\d{3}[-.\s]?\d{4}|\b\d{3}[-.]\d{3}[-.]\d{4}\b|\b(reach|call|text|contact)\s+\S+\s+(at|via)\b|'s\s+(email|phone|number|address)\s+is\b)`),
		factType:   store.FactTypeContact,
		category:   store.CategoryPeople,
		confidence: 0.6,
	},
	{
		name:       "statement",
		re:         regexp.MustCompile(`(?i)\b(my \w+ is|i am|i'm|i work|i live|i use|i have|i own)\b`),
		factType:   store.FactTypeFact,
		confidence: 0.5,
	},
	{
		name:       "schedule",
		re:         regexp.MustCompile(`(?i)\b(standup|stand-up|every (monday|tuesday|wednesday|thursday|friday|saturday|sunday|weekday|morning|week|month)|on (mondays|tuesdays|wednesdays|thursdays|fridays|saturdays|sundays)|(daily|weekly|biweekly|monthly) (meeting|sync|review|call)|(meeting|appointment|call) (is|at|on|every|moved)|rescheduled to)\b`),
		factType:   store.FactTypeFact,
		category:   store.CategorySchedule,
		confidence: 0.55,
	},
}

// matchRule returns the first rule whose regex matches the text.
func matchRule(text string) (rule, bool) {
	for _, r := range rules {
		if r.re.MatchString(text) {
			return r, true
		}
	}
	return rule{}, false
}

// matchPatterns runs the rule table over one sentence and builds a candidate
// from the first match.
func matchPatterns(sentence string) (Candidate, bool) {
	r, ok := matchRule(sentence)
	if !ok {
		return Candidate{}, false
	}
	content := trimContent(sentence)
	if content == "" {
		return Candidate{}, false
	}
	category := r.category
	if category == "" {
		category = classifyCategory(content)
	}
	return Candidate{
		Content:     content,
		FactType:    r.factType,
		Category:    category,
		Confidence:  r.confidence,
		Method:      store.MethodPattern,
		Tags:        deriveTags(content, category),
		SourceQuote: sentence,
	}, true
}

// categoryRule maps a category to the keywords that signal it. Checked in
// order, first category with any keyword hit wins.
type categoryRule struct {
	category string
	keywords []string
}

var categoryRules = []categoryRule{
	{store.CategoryTechnical, []string{
		"editor", "terminal", "code", "repo", "deploy", "deployment", "server",
		"database", "api", "bug", "docker", "kubernetes", "linux", "vim",
		"backend", "frontend", "compiler", "sql", "git",
	}},
	{store.CategoryWork, []string{
		"meeting", "standup", "sprint", "deadline", "client", "project",
		"report", "office", "team", "manager", "quarterly", "review",
		"presentation", "launch", "invoice",
	}},
	{store.CategoryPeople, []string{
		"email", "phone", "contact", "wife", "husband", "partner", "friend",
		"mom", "dad", "brother", "sister", "birthday", "number",
	}},
	{store.CategoryPersonal, []string{
		"gym", "doctor", "dentist", "vacation", "diet", "sleep", "coffee",
		"allergic", "allergy", "medication", "running",
	}},
	{store.CategorySchedule, []string{
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
		"sunday", "mondays", "tuesdays", "wednesdays", "thursdays", "fridays",
		"saturdays", "sundays", "daily", "weekly", "monthly", "tomorrow",
		"tonight", "morning", "afternoon", "evening", "calendar", "schedule",
	}},
}

// classifyCategory assigns a category from content keywords, defaulting to
// CategoryOther.
func classifyCategory(content string) string {
	toks := tokenSet(content)
	for _, cr := range categoryRules {
		for _, kw := range cr.keywords {
			if toks[kw] {
				return cr.category
			}
		}
	}
	return store.CategoryOther
}

var hashtagRE = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)

// deriveTags collects explicit hashtags plus the category keywords present in
// the content, capped at maxDerivedTags.
func deriveTags(content, category string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, m := range hashtagRE.FindAllStringSubmatch(content, -1) {
		t := strings.ToLower(m[1])
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	toks := tokenSet(content)
	for _, cr := range categoryRules {
		if cr.category != category {
			continue
		}
		for _, kw := range cr.keywords {
			if toks[kw] && !seen[kw] {
				seen[kw] = true
				tags = append(tags, kw)
			}
		}
	}
	if len(tags) > maxDerivedTags {
		tags = tags[:maxDerivedTags]
	}
	return tags
}

// tokenSet returns the set of normalized words in content.
func tokenSet(content string) map[string]bool {
	toks := make(map[string]bool)
	for _, w := range strings.Fields(store.NormalizeContent(content)) {
		toks[w] = true
	}
	return toks
}

// trimContent cleans a sentence into fact content: surrounding space and
// trailing sentence punctuation go, inner text is untouched.
func trimContent(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".;!, ")
}
