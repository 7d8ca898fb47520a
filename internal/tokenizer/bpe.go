package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/MistApproach/callm/pkg/callm"
)

const metaspaceMark = "▁"

// cacheLimit bounds the memoized word splits; the cache is reset when full.
const cacheLimit = 1 << 15

type encoding int

const (
	// byteLevel maps every byte to a printable rune before merging (GPT-2).
	byteLevel encoding = iota
	// metaspace replaces spaces with ▁ and falls back to <0xNN> byte tokens.
	metaspace
)

type config struct {
	encoding       encoding
	pre            *preTokenizer
	specials       []string
	ignoreMerges   bool
	unkID          int
	addPrefixSpace bool
	byteFallback   bool
}

// BPE is a merge-rule tokenizer over a fixed vocabulary.
type BPE struct {
	cfg        config
	vocab      []string
	encoder    map[string]int
	ranks      map[Pair]int
	specials   []string
	specialIDs map[int]struct{}

	mu         sync.Mutex
	cache      map[string][]string
	cacheLimit int
}

func newBPE(vocab []string, merges []Pair, cfg config) (*BPE, error) {
	if len(vocab) == 0 {
		return nil, callm.TokenizerError("empty token list", nil)
	}
	encoder := make(map[string]int, len(vocab))
	for i, t := range vocab {
		if t == "" {
			continue
		}
		if _, dup := encoder[t]; !dup {
			encoder[t] = i
		}
	}

	ranks := make(map[Pair]int, len(merges))
	for i, p := range merges {
		for _, part := range []string{p.A, p.B, p.A + p.B} {
			if _, ok := encoder[part]; !ok {
				return nil, callm.TokenizerError(fmt.Sprintf("merge %d (%q %q): %q not in vocabulary", i, p.A, p.B, part), nil)
			}
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = len(ranks)
		}
	}

	specials := longestFirst(cfg.specials)
	specialIDs := make(map[int]struct{}, len(specials))
	for _, s := range specials {
		id, ok := encoder[s]
		if !ok {
			return nil, callm.TokenizerError(fmt.Sprintf("special token %q not in vocabulary", s), nil)
		}
		specialIDs[id] = struct{}{}
	}

	return &BPE{
		cfg:        cfg,
		vocab:      vocab,
		encoder:    encoder,
		ranks:      ranks,
		specials:   specials,
		specialIDs: specialIDs,
		cache:      make(map[string][]string),
		cacheLimit: cacheLimit,
	}, nil
}

func (t *BPE) VocabSize() int { return len(t.vocab) }

func (t *BPE) TokenToID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

func (t *BPE) IDToToken(id int) (string, bool) {
	if id < 0 || id >= len(t.vocab) || t.vocab[id] == "" {
		return "", false
	}
	return t.vocab[id], true
}

// IsSpecial reports whether id was registered as a special token.
func (t *BPE) IsSpecial(id int) bool {
	_, ok := t.specialIDs[id]
	return ok
}

// Encode rejects input that is not valid UTF-8 instead of substituting
// U+FFFD for the invalid bytes.
func (t *BPE) Encode(text string) ([]int, error) {
	if !utf8.ValidString(text) {
		return nil, callm.TokenizerError("input is not valid UTF-8", nil)
	}
	var ids []int
	for i, part := range splitSpecials(text, t.specials) {
		if part.special {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		words, err := t.words(part.text, i == 0)
		if err != nil {
			return nil, callm.TokenizerError("pre-tokenize", err)
		}
		for _, word := range words {
			for _, piece := range t.bpe(word) {
				if id, ok := t.encoder[piece]; ok {
					ids = append(ids, id)
					continue
				}
				ids, err = t.fallback(ids, piece)
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return ids, nil
}

// words turns a non-special segment into the units BPE merges within.
func (t *BPE) words(text string, atStart bool) ([]string, error) {
	if t.cfg.encoding == metaspace {
		if atStart && t.cfg.addPrefixSpace {
			text = " " + text
		}
		return splitMetaspace(strings.ReplaceAll(text, " ", metaspaceMark)), nil
	}
	pieces, err := t.cfg.pre.split(text)
	if err != nil {
		return nil, err
	}
	for i, p := range pieces {
		pieces[i] = t.byteEncode(p)
	}
	return pieces, nil
}

// splitMetaspace cuts before every run of ▁ so runs stay mergeable.
func splitMetaspace(s string) []string {
	var out []string
	start := 0
	prevMark := false
	for i, r := range s {
		isMark := string(r) == metaspaceMark
		if isMark && !prevMark && i > start {
			out = append(out, s[start:i])
			start = i
		}
		prevMark = isMark
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (t *BPE) fallback(ids []int, piece string) ([]int, error) {
	if t.cfg.byteFallback {
		start := len(ids)
		for _, b := range []byte(piece) {
			id, ok := t.encoder[fmt.Sprintf("<0x%02X>", b)]
			if !ok {
				ids = ids[:start]
				break
			}
			ids = append(ids, id)
		}
		if len(ids) > start {
			return ids, nil
		}
	}
	if t.cfg.unkID >= 0 {
		return append(ids, t.cfg.unkID), nil
	}
	return nil, callm.TokenizerError(fmt.Sprintf("unknown token %q", piece), nil)
}

func (t *BPE) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for i, id := range ids {
		token, ok := t.IDToToken(id)
		if !ok {
			return "", callm.TokenizerError(fmt.Sprintf("token id out of range: %d", id), nil)
		}
		if t.IsSpecial(id) {
			if !skipSpecial {
				b = append(b, token...)
			}
			continue
		}
		if t.cfg.encoding == metaspace {
			if by, ok := parseByteToken(token); ok {
				b = append(b, by)
				continue
			}
			token = strings.ReplaceAll(token, metaspaceMark, " ")
			if i == 0 && t.cfg.addPrefixSpace {
				token = strings.TrimPrefix(token, " ")
			}
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := runeBytes[r]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

// parseByteToken decodes a <0xNN> byte-fallback token.
func parseByteToken(token string) (byte, bool) {
	if len(token) != 6 || !strings.HasPrefix(token, "<0x") || token[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(token[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteRune(byteRunes[by])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.cache[token]; ok {
		return v
	}
	var word []string
	if _, whole := t.encoder[token]; whole && t.cfg.ignoreMerges {
		word = []string{token}
	} else {
		word = mergeWord(token, t.ranks)
	}
	if len(t.cache) >= t.cacheLimit {
		clear(t.cache)
	}
	t.cache[token] = word
	return word
}
