package pump

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// Tokenizer cuts provider deltas into word and punctuation sized pieces so the
// browser renders output incrementally.
type Tokenizer struct {
	codec tokenizer.Codec
}

// NewTokenizer loads the cl100k vocabulary. When it cannot be loaded the
// tokenizer falls back to splitting on word and punctuation boundaries.
func NewTokenizer() *Tokenizer {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warn().Err(err).Str("component", "pump").Msg("tokenizer vocabulary unavailable, splitting on word boundaries")
		return &Tokenizer{}
	}
	return &Tokenizer{codec: codec}
}

// Split returns pieces whose concatenation is exactly text. Every piece is valid UTF-8.
func (t *Tokenizer) Split(text string) []string {
	if text == "" {
		return nil
	}
	if t == nil || t.codec == nil {
		return splitWords(text)
	}
	_, tokens, err := t.codec.Encode(text)
	if err != nil || len(tokens) == 0 {
		return splitWords(text)
	}

	pieces := make([]string, 0, len(tokens))
	var pending strings.Builder
	for _, tok := range tokens {
		pending.WriteString(tok)
		// byte-level tokens can split a multi-byte rune; hold them until whole
		if utf8.ValidString(pending.String()) {
			pieces = append(pieces, pending.String())
			pending.Reset()
		}
	}
	if pending.Len() > 0 {
		pieces = append(pieces, pending.String())
	}

	if strings.Join(pieces, "") != text {
		return splitWords(text)
	}
	return pieces
}

func splitWords(text string) []string {
	var pieces []string
	start := 0
	var prev rune
	for i, r := range text {
		if i > start && boundary(prev, r) {
			pieces = append(pieces, text[start:i])
			start = i
		}
		prev = r
	}
	return append(pieces, text[start:])
}

func boundary(prev, r rune) bool {
	if unicode.IsSpace(r) && !unicode.IsSpace(prev) {
		return true
	}
	return isPunct(r) || isPunct(prev)
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
