package server

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Filter blocks group messages containing banned keywords. Matching is
// case-insensitive and diacritic-insensitive, so "chết" is caught by "chet".
type Filter struct {
	words map[string]struct{}
}

// NewFilter loads one keyword per line from path. A missing file yields an
// empty filter that blocks nothing.
func NewFilter(path string, log *zap.Logger) *Filter {
	f := &Filter{words: make(map[string]struct{})}

	file, err := os.Open(path)
	if err != nil {
		log.Warn("bad-words list not found, filter disabled", zap.String("path", path))
		return f
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if word == "" {
			continue
		}
		f.words[word] = struct{}{}
		f.words[foldAccents(word)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("error reading bad-words list", zap.Error(err))
	}

	log.Info("moderation filter loaded", zap.Int("keywords", len(f.words)))
	return f
}

// Violates reports whether content contains any banned keyword.
func (f *Filter) Violates(content string) bool {
	if content == "" || len(f.words) == 0 {
		return false
	}

	normalized := foldAccents(strings.ToLower(content))
	for word := range f.words {
		if strings.Contains(normalized, word) {
			return true
		}
	}
	return false
}

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldAccents(s string) string {
	folded, _, err := transform.String(accentStripper, s)
	if err != nil {
		folded = s
	}
	// NFD не раскладывает đ/Đ
	folded = strings.ReplaceAll(folded, "đ", "d")
	folded = strings.ReplaceAll(folded, "Đ", "D")
	return folded
}
