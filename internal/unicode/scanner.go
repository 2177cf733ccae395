// Package unicode finds invisible or look-alike characters that hide
// instructions inside natural-language text.
package unicode

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind names a class of smuggling character.
type Kind string

const (
	KindZeroWidth   Kind = "zero-width"
	KindBidi        Kind = "bidi-override"
	KindTag         Kind = "tag-char"
	KindControl     Kind = "control-char"
	KindHomoglyph   Kind = "homoglyph"
	KindInvalidUTF8 Kind = "invalid-utf8"
)

// Threat is one suspicious character or run of characters.
type Threat struct {
	Kind        Kind
	Line        int // 1-based
	Codepoint   string
	Description string
	// Hidden holds the ASCII text smuggled through a run of tag characters.
	Hidden string
}

// ScanResult is the outcome of Scan.
type ScanResult struct {
	Threats []Threat
	// Sanitized is the input with invisible characters dropped and
	// homoglyphs folded to their Latin look-alikes.
	Sanitized string
}

// Clean reports whether no threat was found.
func (r ScanResult) Clean() bool { return len(r.Threats) == 0 }

// Scan inspects text line by line. Homoglyphs are only reported inside words
// that also contain Latin letters, so ordinary Cyrillic or Greek prose is not
// flagged. Consecutive tag characters are reported once with the decoded text.
func Scan(text string) ScanResult {
	var result ScanResult
	var sanitized strings.Builder
	sanitized.Grow(len(text))

	line := 1
	var tagRun strings.Builder
	tagLine := 0
	flushTags := func() {
		if tagRun.Len() == 0 {
			return
		}
		hidden := tagRun.String()
		result.Threats = append(result.Threats, Threat{
			Kind:        KindTag,
			Line:        tagLine,
			Codepoint:   "U+E00xx",
			Description: fmt.Sprintf("Unicode tag characters smuggle hidden text %q", hidden),
			Hidden:      hidden,
		})
		tagRun.Reset()
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == utf8.RuneError && size == 1 {
			flushTags()
			result.Threats = append(result.Threats, Threat{
				Kind:        KindInvalidUTF8,
				Line:        line,
				Codepoint:   fmt.Sprintf("0x%02X", text[i]),
				Description: "invalid UTF-8 byte",
			})
			i++
			continue
		}

		if isTagCharacter(r) {
			if tagRun.Len() == 0 {
				tagLine = line
			}
			if r >= 0xE0020 && r <= 0xE007E {
				tagRun.WriteRune(r - 0xE0000)
			}
			i += size
			continue
		}
		flushTags()

		cp := fmt.Sprintf("U+%04X", r)
		switch {
		case isZeroWidth(r):
			result.Threats = append(result.Threats, Threat{Kind: KindZeroWidth, Line: line, Codepoint: cp,
				Description: fmt.Sprintf("zero-width character %s hides content from display", cp)})
		case isBidiOverride(r):
			result.Threats = append(result.Threats, Threat{Kind: KindBidi, Line: line, Codepoint: cp,
				Description: fmt.Sprintf("bidirectional control %s reorders displayed text", cp)})
		case isUnsafeControl(r):
			result.Threats = append(result.Threats, Threat{Kind: KindControl, Line: line, Codepoint: cp,
				Description: fmt.Sprintf("control character %s in text", cp)})
		default:
			if latin, ok := confusable(r); ok {
				if inLatinWord(text, i, size) {
					result.Threats = append(result.Threats, Threat{Kind: KindHomoglyph, Line: line, Codepoint: cp,
						Description: fmt.Sprintf("%s looks like Latin '%c' inside a Latin word", cp, latin)})
				}
				sanitized.WriteRune(latin)
			} else {
				sanitized.WriteRune(r)
			}
		}
		if r == '\n' {
			line++
		}
		i += size
	}
	flushTags()

	result.Sanitized = sanitized.String()
	return result
}

// NormalizeHomoglyphs folds confusable Cyrillic, Greek and fullwidth letters
// to ASCII and drops zero-width characters.
func NormalizeHomoglyphs(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isZeroWidth(r) || isTagCharacter(r) {
			continue
		}
		if latin, ok := confusable(r); ok {
			b.WriteRune(latin)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func confusable(r rune) (rune, bool) {
	if r >= 0xFF01 && r <= 0xFF5E {
		return r - 0xFEE0, true
	}
	if l, ok := cyrillicHomoglyphs[r]; ok {
		return l, true
	}
	if l, ok := greekHomoglyphs[r]; ok {
		return l, true
	}
	return 0, false
}

// inLatinWord reports whether the word around text[i:i+size] has an ASCII letter.
func inLatinWord(text string, i, size int) bool {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	for j := i - 1; j >= 0; {
		r, sz := utf8.DecodeLastRuneInString(text[:j+1])
		if !isWord(r) {
			break
		}
		if r < utf8.RuneSelf {
			return true
		}
		j -= sz
	}
	for j := i + size; j < len(text); {
		r, sz := utf8.DecodeRuneInString(text[j:])
		if !isWord(r) {
			break
		}
		if r < utf8.RuneSelf {
			return true
		}
		j += sz
	}
	return false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', '\u200C', '\u200D', '\uFEFF', '\u2060', '\u180E', '\u200E', '\u200F', '\u00AD':
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

func isUnsafeControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'ј': 'j', 'К': 'K', 'М': 'M', 'о': 'o',
	'О': 'O', 'р': 'p', 'Р': 'P', 'ѕ': 's', 'Т': 'T', 'х': 'x', 'Х': 'X',
	'у': 'y', 'У': 'Y',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y',
	'Ζ': 'Z', 'ν': 'v', 'α': 'a',
}
