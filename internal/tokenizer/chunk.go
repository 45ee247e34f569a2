package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk splits text into pieces of at most size bytes, cutting at
// whitespace so no word is split unless it alone exceeds size.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 || len(text) <= size {
		return []string{text}
	}

	var chunks []string
	for len(text) > size {
		cut := strings.LastIndexFunc(text[:size+1], unicode.IsSpace)
		if cut <= 0 {
			// a single word longer than size
			cut = size
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(text)
			}
		}
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			chunks = append(chunks, piece)
		}
		text = strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
