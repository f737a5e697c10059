// Package text prepares arbitrary chat text for speech synthesis.
//
// Sanitizing strips everything a speech engine would read aloud literally:
// emoji, markdown markers, bullet glyphs and layout whitespace. The result is
// also the unit of premium billing, so the same function must be used
// everywhere a character count is taken.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for markup that is unwrapped rather than deleted.
const (
	linkRegexPattern = `!?\[([^\[\]]*)\]\([^()]*\)`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

// markupRunes are markdown emphasis, heading and code markers.
var markupRunes = map[rune]struct{}{
	'*': {},
	'_': {},
	'#': {},
	'~': {},
	'`': {},
}

// Sanitizer strips markup and emoji from text destined for a speech engine.
type Sanitizer struct {
	linkPattern   *regexp.Regexp
	quoteReplacer *strings.Replacer
}

// NewSanitizer creates a Sanitizer with its patterns compiled once.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		linkPattern: regexp.MustCompile(linkRegexPattern),
		quoteReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

var defaultSanitizer = NewSanitizer()

// Sanitize cleans raw with the package default Sanitizer.
func Sanitize(raw string) string {
	return defaultSanitizer.Sanitize(raw)
}

// CharCount returns the billable length of already sanitized text.
func CharCount(sanitized string) int {
	return utf8.RuneCountInString(sanitized)
}

// Sanitize removes emoji, markdown markers and bullet glyphs, unwraps markdown
// links, normalizes quotes and dashes and collapses whitespace.
// Sanitize(Sanitize(x)) == Sanitize(x) for every x.
func (s *Sanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	cleaned := s.dropRunes(raw)
	cleaned = s.unwrapLinks(cleaned)
	cleaned = s.quoteReplacer.Replace(cleaned)

	return strings.Join(strings.Fields(cleaned), " ")
}

// dropRunes deletes emoji, bullets and markup markers and turns control
// characters into spaces. Invalid UTF-8 bytes are dropped.
func (s *Sanitizer) dropRunes(raw string) string {
	var builder strings.Builder

	builder.Grow(len(raw))

	for index := 0; index < len(raw); {
		char, size := utf8.DecodeRuneInString(raw[index:])
		index += size

		switch {
		case char == utf8.RuneError && size <= 1:
			continue
		case isEmoji(char), isBullet(char):
			continue
		case isMarkup(char):
			continue
		case unicode.IsControl(char):
			builder.WriteRune(' ')
		default:
			builder.WriteRune(char)
		}
	}

	return builder.String()
}

// unwrapLinks replaces [label](url) with label until nothing changes, so
// nested brackets never survive a single pass.
func (s *Sanitizer) unwrapLinks(text string) string {
	for {
		next := s.linkPattern.ReplaceAllString(text, "$1")
		if next == text {
			return next
		}

		text = next
	}
}

func isMarkup(char rune) bool {
	_, ok := markupRunes[char]

	return ok
}

func isBullet(char rune) bool {
	switch char {
	case '•', '◦', '‣', '⁃', '∙', '·':
		return true
	}

	// Geometric shapes: ▪ ▫ ● ○ ■ □ ► ▶ and friends.
	return char >= 0x25A0 && char <= 0x25FF
}

func isEmoji(char rune) bool {
	switch {
	case char >= 0x1F000 && char <= 0x1FAFF: // pictographs, emoticons, transport, flags
		return true
	case char >= 0x2600 && char <= 0x27BF: // misc symbols, dingbats
		return true
	case char >= 0x2B00 && char <= 0x2BFF: // arrows and stars
		return true
	case char >= 0x2300 && char <= 0x23FF: // watches, hourglasses, media controls
		return true
	case char >= 0xFE00 && char <= 0xFE0F: // variation selectors
		return true
	case char >= 0xE0020 && char <= 0xE007F: // tag sequences
		return true
	case char == 0x200D, char == 0x20E3:
		return true
	}

	return false
}
