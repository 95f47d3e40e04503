package extract

import (
	"strings"
	"testing"

	"github.com/hurttlocker/understory/internal/store"
)

func TestMatchRule_Order(t *testing.T) {
	cases := []struct {
		sentence string
		rule     string
	}{
		{"I can't stand cluttered dashboards", "preference"},
		{"I can't make the planning call on Thursday", "constraint"},
		{"I'd prefer the morning slot", "preference"},
		{"We've decided to sunset the old importer", "decision"},
		{"My manager's email is lee@example.org", "contact"},
		{"Call the vendor at 555-210-9921 tomorrow", "contact"},
		{"I work from the Berlin office", "statement"},
		{"The retro happens every friday", "schedule"},
	}
	for _, tc := range cases {
		r, ok := matchRule(tc.sentence)
		if !ok {
			t.Errorf("%q: no rule matched, want %s", tc.sentence, tc.rule)
			continue
		}
		if r.name != tc.rule {
			t.Errorf("%q: matched %s, want %s", tc.sentence, r.name, tc.rule)
		}
	}
}

func TestMatchRule_NoMatch(t *testing.T) {
	for _, s := range []string{
		"The weather was nice yesterday",
		"Thanks, that all makes sense to me",
	} {
		if r, ok := matchRule(s); ok {
			t.Errorf("%q: unexpected match on rule %s", s, r.name)
		}
	}
}

func TestClassifyCategory(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"dark mode in the editor", store.CategoryTechnical},
		{"the quarterly report for the client", store.CategoryWork},
		{"lunch with mom next week", store.CategoryPeople},
		{"gym sessions before breakfast", store.CategoryPersonal},
		{"free every tuesday afternoon", store.CategorySchedule},
		{"nothing noteworthy here", store.CategoryOther},
	}
	for _, tc := range cases {
		if got := classifyCategory(tc.content); got != tc.want {
			t.Errorf("classifyCategory(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}

// Category order is fixed, so a sentence spanning two categories files under
// the earlier one.
func TestClassifyCategory_FirstHitWins(t *testing.T) {
	got := classifyCategory("deploy the report on monday")
	if got != store.CategoryTechnical {
		t.Errorf("got %q, want technical", got)
	}
}

func TestDeriveTags(t *testing.T) {
	tags := deriveTags("Ship the #analytics dashboard for the client project", store.CategoryWork)
	want := []string{"analytics", "client", "project"}
	if strings.Join(tags, ",") != strings.Join(want, ",") {
		t.Errorf("tags = %v, want %v", tags, want)
	}
}

func TestDeriveTags_Capped(t *testing.T) {
	tags := deriveTags("#a #b #c #d #e #f", store.CategoryOther)
	if len(tags) != maxDerivedTags {
		t.Errorf("got %d tags, want %d", len(tags), maxDerivedTags)
	}
}

func TestDeriveTags_NoDuplicates(t *testing.T) {
	tags := deriveTags("#client meeting with the client about the client", store.CategoryWork)
	seen := make(map[string]bool)
	for _, tag := range tags {
		if seen[tag] {
			t.Fatalf("duplicate tag %q in %v", tag, tags)
		}
		seen[tag] = true
	}
}

func TestTrimContent(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Ship it.  ", "Ship it"},
		{"No trailing punctuation", "No trailing punctuation"},
		{"Lots of noise!!!", "Lots of noise"},
		{"Keep 9.30 inside. ", "Keep 9.30 inside"},
	}
	for _, tc := range cases {
		if got := trimContent(tc.in); got != tc.want {
			t.Errorf("trimContent(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
