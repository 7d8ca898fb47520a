package tokenizer

import (
	"cmp"
	"slices"
	"strings"
)

// Pair is one merge rule: A followed by B becomes A+B.
type Pair struct {
	A, B string
}

// byteRunes maps every byte to the printable rune byte-level BPE stores it
// as. Printable Latin-1 bytes map to themselves, the rest to 256, 257, ...
// in byte order. runeBytes is the inverse.
var byteRunes, runeBytes = func() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	next := rune(256)
	for b := range 256 {
		r := rune(b)
		if !printableByte(b) {
			r = next
			next++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}()

func printableByte(b int) bool {
	return ('!' <= b && b <= '~') || (0xA1 <= b && b <= 0xAC) || (0xAE <= b && b <= 0xFF)
}

// mergeWord splits word into runes and applies the lowest ranked merge
// present among adjacent parts, all occurrences at once, until none applies.
func mergeWord(word string, ranks map[Pair]int) []string {
	parts := make([]string, 0, len(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}
	for len(parts) > 1 {
		best, at := 0, -1
		for i := range len(parts) - 1 {
			rank, ok := ranks[Pair{parts[i], parts[i+1]}]
			if ok && (at < 0 || rank < best) {
				best, at = rank, i
			}
		}
		if at < 0 {
			break
		}
		a, b := parts[at], parts[at+1]
		merged := make([]string, 0, len(parts)-1)
		for i := 0; i < len(parts); i++ {
			if i+1 < len(parts) && parts[i] == a && parts[i+1] == b {
				merged = append(merged, a+b)
				i++
				continue
			}
			merged = append(merged, parts[i])
		}
		parts = merged
	}
	return parts
}

// segment is a run of input that is either one special token or plain text.
type segment struct {
	text    string
	special bool
}

// longestFirst dedupes specials and orders them so that at any position the
// longest candidate is tried first.
func longestFirst(specials []string) []string {
	out := slices.DeleteFunc(slices.Clone(specials), func(s string) bool { return s == "" })
	slices.SortFunc(out, func(a, b string) int {
		return cmp.Or(len(b)-len(a), strings.Compare(a, b))
	})
	return slices.Compact(out)
}

// splitSpecials cuts text around the earliest special token occurrence,
// repeatedly. specials must be ordered by longestFirst.
func splitSpecials(text string, specials []string) []segment {
	var out []segment
	for text != "" {
		at, tok := -1, ""
		for _, sp := range specials {
			if i := strings.Index(text, sp); i >= 0 && (at < 0 || i < at) {
				at, tok = i, sp
			}
		}
		if at < 0 {
			out = append(out, segment{text: text})
			break
		}
		if at > 0 {
			out = append(out, segment{text: text[:at]})
		}
		out = append(out, segment{text: tok, special: true})
		text = text[at+len(tok):]
	}
	return out
}
