package tokenizer

import (
	"fmt"

	"github.com/MistApproach/callm/internal/metadata"
	"github.com/MistApproach/callm/pkg/callm"
)

// Build constructs a tokenizer from the GGUF tokenizer section. The
// pre-tokenizer, the vocabulary model and the special tokens are each
// selected from the description; any failure is terminal.
func Build(d *metadata.Tokenizer) (*BPE, error) {
	pre, err := lookupPreTokenizer(d.Pre)
	if err != nil {
		return nil, err
	}

	switch d.Model {
	case "gpt2":
	case "llama":
		return nil, callm.TokenizerError(`tokenizer model "llama" is not supported yet`, nil)
	default:
		return nil, callm.TokenizerError(fmt.Sprintf("unknown tokenizer model %q", d.Model), nil)
	}

	merges := make([]Pair, 0, len(d.Merges))
	for i, rule := range d.Merges {
		a, b, ok := metadata.SplitMerge(rule)
		if !ok {
			return nil, callm.TokenizerError(fmt.Sprintf("invalid merge %d: %q", i, rule), nil)
		}
		merges = append(merges, Pair{A: a, B: b})
	}

	var specials []string
	for i, typ := range d.TokenTypes {
		if typ == TokenTypeControl && i < len(d.Tokens) {
			specials = append(specials, d.Tokens[i])
		}
	}

	unkID := -1
	if d.UNKID != nil {
		unkID = *d.UNKID
	}
	return newBPE(d.Tokens, merges, config{
		encoding:     byteLevel,
		pre:          pre,
		specials:     specials,
		ignoreMerges: true,
		unkID:        unkID,
	})
}
