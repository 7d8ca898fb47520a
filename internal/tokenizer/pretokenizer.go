package tokenizer

import (
	"fmt"

	"github.com/dlclark/regexp2"

	"github.com/MistApproach/callm/pkg/callm"
)

const (
	gpt2Pattern   = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`
	llama3Pattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	qwen2Pattern  = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

// preTokenizerPatterns maps tokenizer.ggml.pre values to split patterns.
var preTokenizerPatterns = map[string]string{
	"":          gpt2Pattern,
	"default":   gpt2Pattern,
	"gpt2":      gpt2Pattern,
	"llama-bpe": llama3Pattern,
	"qwen2":     qwen2Pattern,
}

// pendingPreTokenizers are known tags without an implementation yet.
var pendingPreTokenizers = map[string]struct{}{
	"deepseek-llm":   {},
	"deepseek-coder": {},
	"falcon":         {},
}

// preTokenizer splits text into words before byte-level BPE.
type preTokenizer struct {
	re *regexp2.Regexp
}

func newPreTokenizer(pattern string) (*preTokenizer, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}
	return &preTokenizer{re: re}, nil
}

func lookupPreTokenizer(tag string) (*preTokenizer, error) {
	if _, ok := pendingPreTokenizers[tag]; ok {
		return nil, callm.TokenizerError(fmt.Sprintf("pre-tokenizer %q is not supported yet", tag), nil)
	}
	pattern, ok := preTokenizerPatterns[tag]
	if !ok {
		return nil, callm.TokenizerError(fmt.Sprintf("unknown pre-tokenizer %q", tag), nil)
	}
	pre, err := newPreTokenizer(pattern)
	if err != nil {
		return nil, callm.TokenizerError("pre-tokenizer", err)
	}
	return pre, nil
}

// split returns the pattern matches in order. Text between matches is kept
// as its own piece so no input is ever dropped.
func (p *preTokenizer) split(text string) ([]string, error) {
	runes := []rune(text)
	var out []string
	pos := 0
	m, err := p.re.FindRunesMatch(runes)
	for ; m != nil && err == nil; m, err = p.re.FindNextMatch(m) {
		if m.Index > pos {
			out = append(out, string(runes[pos:m.Index]))
		}
		out = append(out, m.String())
		pos = m.Index + m.Length
	}
	if err != nil {
		return nil, err
	}
	if pos < len(runes) {
		out = append(out, string(runes[pos:]))
	}
	return out, nil
}
