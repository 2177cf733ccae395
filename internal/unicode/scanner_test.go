package unicode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanClean(t *testing.T) {
	res := Scan("Fetches the weather forecast.\n\tTabs and newlines are fine.")
	assert.True(t, res.Clean())
	assert.Equal(t, "Fetches the weather forecast.\n\tTabs and newlines are fine.", res.Sanitized)
}

func TestScanInvisibleCharacters(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  Kind
		line  int
	}{
		{"zero width space", "ignore\u200Bprevious", KindZeroWidth, 1},
		{"bom", "\uFEFFhello", KindZeroWidth, 1},
		{"rtl override", "line one\nfile\u202Etxt.sh", KindBidi, 2},
		{"control char", "bell\x07", KindControl, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Scan(tt.input)
			require.Len(t, res.Threats, 1)
			assert.Equal(t, tt.kind, res.Threats[0].Kind)
			assert.Equal(t, tt.line, res.Threats[0].Line)
		})
	}
}

func TestScanTagCharactersDecodeHiddenText(t *testing.T) {
	hidden := ""
	for _, r := range "rm -rf" {
		hidden += string(r + 0xE0000)
	}
	res := Scan("Nice skill" + hidden + ".")
	require.Len(t, res.Threats, 1)
	assert.Equal(t, KindTag, res.Threats[0].Kind)
	assert.Equal(t, "rm -rf", res.Threats[0].Hidden)
	assert.Equal(t, "Nice skill.", res.Sanitized)
}

func TestScanHomoglyphOnlyInMixedWords(t *testing.T) {
	mixed := Scan("please run pаypal-login") // Cyrillic а
	require.Len(t, mixed.Threats, 1)
	assert.Equal(t, KindHomoglyph, mixed.Threats[0].Kind)
	assert.Equal(t, "please run paypal-login", mixed.Sanitized)

	russian := Scan("привет мир")
	assert.True(t, russian.Clean())
}

func TestNormalizeHomoglyphs(t *testing.T) {
	assert.Equal(t, "ignore previous", NormalizeHomoglyphs("іgnоrе\u200B previous"))
	assert.Equal(t, "SYSTEM", NormalizeHomoglyphs("ＳＹＳＴＥＭ"))
}
