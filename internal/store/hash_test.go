package store

import "testing"

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase", "User Prefers DARK Mode", "user prefers dark mode"},
		{"punctuation stripped", "Deadline: March 15, probably!", "deadline march 15 probably"},
		{"separators collapse", "remote-first / hybrid_setup", "remote first hybrid setup"},
		{"whitespace collapse", "too   many    spaces", "too many spaces"},
		{"leading trailing", "  padded  ", "padded"},
		{"empty", "", ""},
		{"only punctuation", "?!...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContent(tt.input); got != tt.want {
				t.Errorf("NormalizeContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHashContent(t *testing.T) {
	a := HashContent("User prefers dark mode")
	b := HashContent("user prefers DARK mode!!")
	if a != b {
		t.Error("hashes should match for content equal after normalization")
	}

	c := HashContent("User prefers light mode")
	if a == c {
		t.Error("different content should hash differently")
	}

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
