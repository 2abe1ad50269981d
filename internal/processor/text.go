package processor

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// extractText decodes a plain-text upload. UTF-8 is assumed unless a UTF-16 byte order
// mark says otherwise; invalid sequences are replaced rather than rejected.
func extractText(data []byte) (*Extraction, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return nil, &ExtractError{Kind: KindCorruptInput, Format: FormatText, Err: err}
	}

	text := string(out)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return &Extraction{
		Text:     text,
		Metadata: map[string]string{"encoding": "utf-8"},
	}, nil
}
