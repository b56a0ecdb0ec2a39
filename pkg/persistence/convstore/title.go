package convstore

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	titleMaxWords = 8
	titleMaxChars = 60
	// A sentence boundary only counts once the title carries enough text to
	// stand on its own.
	titleMinSentenceCut = 20
)

var (
	titleURLRe      = regexp.MustCompile(`https?://\S+`)
	titleMarkdownRe = regexp.MustCompile("[#*_`~>\\[\\]()]+")
)

// DeriveTitle turns the first user message of a conversation into a short
// human-readable title: markdown punctuation and URLs stripped, cut at the
// first sentence boundary past a minimum length, capped at eight words and
// sixty characters, first letter capitalized. Returns "" when nothing usable
// remains.
func DeriveTitle(input string) string {
	text := titleURLRe.ReplaceAllString(input, " ")
	text = titleMarkdownRe.ReplaceAllString(text, " ")
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}

	if idx := strings.IndexAny(text, ".!?"); idx >= titleMinSentenceCut {
		text = text[:idx]
	}

	words := strings.Fields(text)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	text = strings.Join(words, " ")
	text = strings.TrimRight(text, " ,.;:!?-")
	if text == "" {
		return ""
	}

	runes := []rune(text)
	if len(runes) > titleMaxChars {
		text = strings.TrimSpace(string(runes[:titleMaxChars-3])) + "..."
	}

	runes = []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
