package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MistApproach/callm/internal/metadata"
	"github.com/MistApproach/callm/pkg/callm"
)

// testDescription returns a byte-level vocabulary covering every byte plus a
// few merged words and two control tokens.
func testDescription(pre string) *metadata.Tokenizer {
	var tokens []string
	for _, r := range byteRunes {
		tokens = append(tokens, string(r))
	}
	tokens = append(tokens, "he", "ll", "hell", "hello", "Ġw", "or", "Ġwor", "Ġworl", "Ġworld", "abc",
		"<|begin_of_text|>", "<|eot_id|>")
	types := make([]int32, len(tokens))
	for i := range types {
		types[i] = 1
	}
	types[len(types)-2] = TokenTypeControl
	types[len(types)-1] = TokenTypeControl

	return &metadata.Tokenizer{
		Model:      "gpt2",
		Pre:        pre,
		Tokens:     tokens,
		TokenTypes: types,
		Merges:     []string{"h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "Ġwor l", "Ġworl d"},
	}
}

func mustBuild(t *testing.T, d *metadata.Tokenizer) *BPE {
	t.Helper()
	tok, err := Build(d)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return tok
}

func TestBuildRoundTrip(t *testing.T) {
	t.Parallel()

	texts := []string{
		"hello world",
		"Hello, World! It's 2024.\n\n  indented   text\t tab",
		"<|begin_of_text|>hello<|eot_id|> trailing",
		"unicode: zażółć gęślą jaźń, 日本語, emoji 🙂",
		"",
	}
	for _, pre := range []string{"llama-bpe", "gpt2", "qwen2", ""} {
		tok := mustBuild(t, testDescription(pre))
		for _, text := range texts {
			ids, err := tok.Encode(text)
			if err != nil {
				t.Fatalf("pre=%q encode %q: %v", pre, text, err)
			}
			got, err := tok.Decode(ids, false)
			if err != nil {
				t.Fatalf("pre=%q decode: %v", pre, err)
			}
			if got != text {
				t.Fatalf("pre=%q round trip mismatch: got %q want %q", pre, got, text)
			}
		}
	}
}

func TestEncodeMergesAndVocabularyMatches(t *testing.T) {
	t.Parallel()

	tok := mustBuild(t, testDescription("llama-bpe"))
	id := func(s string) int {
		t.Helper()
		v, ok := tok.TokenToID(s)
		if !ok {
			t.Fatalf("token %q missing", s)
		}
		return v
	}

	cases := []struct {
		text string
		want []int
	}{
		{text: "hello", want: []int{id("hello")}},
		{text: "hello world", want: []int{id("hello"), id("Ġworld")}},
		// no merge rule produces "abc"; the exact vocabulary match wins
		{text: "abc", want: []int{id("abc")}},
		{text: "<|begin_of_text|>hello<|eot_id|>", want: []int{id("<|begin_of_text|>"), id("hello"), id("<|eot_id|>")}},
	}
	for _, tc := range cases {
		got, err := tok.Encode(tc.text)
		if err != nil {
			t.Fatalf("encode %q: %v", tc.text, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("encode %q mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
}

func TestDecodeSkipSpecial(t *testing.T) {
	t.Parallel()

	tok := mustBuild(t, testDescription("llama-bpe"))
	ids, err := tok.Encode("hello<|eot_id|>")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := tok.Decode(ids, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "hello" {
		t.Fatalf("decode skipping specials = %q, want %q", got, "hello")
	}
	if _, err := tok.Decode([]int{tok.VocabSize()}, false); !errors.Is(err, callm.ErrTokenizer) {
		t.Fatalf("expected tokenizer error for out of range id, got %v", err)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		patch func(d *metadata.Tokenizer)
		want  string
	}{
		{name: "deepseek-llm", patch: func(d *metadata.Tokenizer) { d.Pre = "deepseek-llm" }, want: "not supported yet"},
		{name: "deepseek-coder", patch: func(d *metadata.Tokenizer) { d.Pre = "deepseek-coder" }, want: "not supported yet"},
		{name: "falcon", patch: func(d *metadata.Tokenizer) { d.Pre = "falcon" }, want: "not supported yet"},
		{name: "unknown pre", patch: func(d *metadata.Tokenizer) { d.Pre = "mystery" }, want: "unknown pre-tokenizer"},
		{name: "llama model", patch: func(d *metadata.Tokenizer) { d.Model = "llama" }, want: "not supported yet"},
		{name: "unknown model", patch: func(d *metadata.Tokenizer) { d.Model = "bert" }, want: "unknown tokenizer model"},
		{name: "bad merge", patch: func(d *metadata.Tokenizer) { d.Merges = []string{"abc"} }, want: "invalid merge"},
		{name: "empty vocab", patch: func(d *metadata.Tokenizer) { d.Tokens, d.TokenTypes = nil, nil }, want: "empty token list"},
		{name: "merge result not in vocab", patch: func(d *metadata.Tokenizer) { d.Merges = append(d.Merges, "x y") }, want: `"xy" not in vocabulary`},
		{name: "merge half not in vocab", patch: func(d *metadata.Tokenizer) { d.Merges = []string{"hel lo"} }, want: `"hel" not in vocabulary`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := testDescription("llama-bpe")
			tc.patch(d)
			_, err := Build(d)
			if !errors.Is(err, callm.ErrTokenizer) {
				t.Fatalf("expected tokenizer error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestPreTokenizerSplit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		text    string
		want    []string
	}{
		{pattern: llama3Pattern, text: "Hello world's 12345", want: []string{"Hello", " world", "'s", " ", "123", "45"}},
		{pattern: llama3Pattern, text: "I'M here\n\nok", want: []string{"I", "'M", " here", "\n\n", "ok"}},
		{pattern: gpt2Pattern, text: "Hello world's 12345", want: []string{"Hello", " world", "'s", " 12345"}},
		{pattern: gpt2Pattern, text: "a  b", want: []string{"a", " ", " b"}},
		{pattern: qwen2Pattern, text: "x 42", want: []string{"x", " ", "4", "2"}},
	}
	for _, tc := range cases {
		pre, err := newPreTokenizer(tc.pattern)
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		got, err := pre.split(tc.text)
		if err != nil {
			t.Fatalf("split %q: %v", tc.text, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("split %q mismatch (-want +got):\n%s", tc.text, diff)
		}
	}
}

func TestConcurrentEncode(t *testing.T) {
	t.Parallel()

	tok := mustBuild(t, testDescription("llama-bpe"))
	done := make(chan error, 8)
	for range 8 {
		go func() {
			_, err := tok.Encode("hello world hello world")
			done <- err
		}()
	}
	for range 8 {
		if err := <-done; err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
}

func TestByteRunes(t *testing.T) {
	t.Parallel()

	cases := map[byte]rune{'a': 'a', ' ': 'Ġ', '\n': 'Ċ', 0x00: 'Ā', 0xAD: 'Ń', 0xFF: 'ÿ'}
	for b, want := range cases {
		if got := byteRunes[b]; got != want {
			t.Fatalf("byteRunes[%#x] = %q, want %q", b, got, want)
		}
		if back := runeBytes[want]; back != b {
			t.Fatalf("runeBytes[%q] = %#x, want %#x", want, back, b)
		}
	}
	if len(runeBytes) != 256 {
		t.Fatalf("byte table is not a bijection: %d runes", len(runeBytes))
	}
}

func TestMergeWord(t *testing.T) {
	t.Parallel()

	ranks := map[Pair]int{{"l", "l"}: 0, {"h", "e"}: 1, {"he", "ll"}: 2, {"a", "a"}: 3}
	cases := []struct {
		in   string
		want []string
	}{
		{in: "hello", want: []string{"hell", "o"}},
		{in: "aaaa", want: []string{"aa", "aa"}},
		{in: "xyz", want: []string{"x", "y", "z"}},
		{in: "é", want: []string{"é"}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, mergeWord(tc.in, ranks)); diff != "" {
			t.Fatalf("mergeWord(%q) (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestSplitSpecials(t *testing.T) {
	t.Parallel()

	specials := longestFirst([]string{"<|a|>", "<|a|>x", "", "<|a|>"})
	if diff := cmp.Diff([]string{"<|a|>x", "<|a|>"}, specials); diff != "" {
		t.Fatalf("longestFirst (-want +got):\n%s", diff)
	}
	got := splitSpecials("hi<|a|>x<|a|><|a|>yo", specials)
	want := []segment{
		{text: "hi"},
		{text: "<|a|>x", special: true},
		{text: "<|a|>", special: true},
		{text: "<|a|>", special: true},
		{text: "yo"},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(segment{})); diff != "" {
		t.Fatalf("splitSpecials (-want +got):\n%s", diff)
	}
	if got := splitSpecials("", specials); got != nil {
		t.Fatalf("empty input should yield no segments, got %v", got)
	}
}

func TestEncodeRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	tok := mustBuild(t, testDescription("llama-bpe"))
	if _, err := tok.Encode("ok \xff\xfe bytes"); !errors.Is(err, callm.ErrTokenizer) {
		t.Fatalf("expected tokenizer error for invalid UTF-8, got %v", err)
	}
}

func TestMergeCacheIsBounded(t *testing.T) {
	t.Parallel()

	tok := mustBuild(t, testDescription("gpt2"))
	tok.cacheLimit = 4
	for i := range 50 {
		if _, err := tok.Encode(fmt.Sprintf("w%d x%d", i, i)); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if n := len(tok.cache); n > tok.cacheLimit {
			t.Fatalf("cache holds %d entries, limit %d", n, tok.cacheLimit)
		}
	}
	ids, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("encode after resets: %v", err)
	}
	want := []int{tok.encoder["hello"], tok.encoder["Ġworld"]}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("encode after resets (-want +got):\n%s", diff)
	}
}
