package server

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestFilter(t *testing.T, words string) *Filter {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bad_words.txt")
	if err := os.WriteFile(path, []byte(words), 0o644); err != nil {
		t.Fatalf("failed to write words file: %v", err)
	}
	return NewFilter(path, zap.NewNop())
}

func TestFilterViolates(t *testing.T) {
	f := newTestFilter(t, "spoiler\nbadword\n")

	cases := []struct {
		content string
		want    bool
	}{
		{"", false},
		{"perfectly fine message", false},
		{"contains a spoiler here", true},
		{"SPOILER in caps", true},
		{"concatenatedspoilerword", true},
		{"spoil is not enough", false},
	}
	for _, c := range cases {
		if got := f.Violates(c.content); got != c.want {
			t.Errorf("Violates(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}

func TestFilterFoldsDiacritics(t *testing.T) {
	f := newTestFilter(t, "chết\nđểu\n")

	// Совпадает и точная форма, и форма без диакритики
	for _, content := range []string{"chết tiệt", "chet happens", "CHẾT", "deu thing"} {
		if !f.Violates(content) {
			t.Errorf("Violates(%q) = false, want true", content)
		}
	}
	if f.Violates("xin chào") {
		t.Error("clean Vietnamese text must pass")
	}
}

func TestFilterMissingFile(t *testing.T) {
	f := NewFilter(filepath.Join(t.TempDir(), "nope.txt"), zap.NewNop())
	if f.Violates("anything at all") {
		t.Fatal("empty filter must block nothing")
	}
}
