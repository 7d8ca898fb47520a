package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/pkg/callm"
)

type hfPreTokenizer struct {
	Type          string           `json:"type"`
	Pretokenizers []hfPreTokenizer `json:"pretokenizers"`
	Pattern       struct {
		Regex  string `json:"Regex"`
		String string `json:"String"`
	} `json:"pattern"`
	UseRegex       *bool  `json:"use_regex"`
	AddPrefixSpace *bool  `json:"add_prefix_space"`
	PrependScheme  string `json:"prepend_scheme"`
}

type hfNormalizer struct {
	Type        string         `json:"type"`
	Normalizers []hfNormalizer `json:"normalizers"`
	Prepend     string         `json:"prepend"`
	Pattern     struct {
		String string `json:"String"`
	} `json:"pattern"`
	Content string `json:"content"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		ByteFallback bool           `json:"byte_fallback"`
		UnkToken     *string        `json:"unk_token"`
	} `json:"model"`
	Normalizer   *hfNormalizer   `json:"normalizer"`
	PreTokenizer *hfPreTokenizer `json:"pre_tokenizer"`
	Decoder      *struct {
		Type     string `json:"type"`
		Decoders []struct {
			Type string `json:"type"`
		} `json:"decoders"`
	} `json:"decoder"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// LoadHFFile reads a tokenizer.json from disk.
func LoadHFFile(path string) (*BPE, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, callm.IO(err)
	}
	return LoadHF(data)
}

// LoadHF builds a tokenizer from tokenizer.json bytes. Byte-level BPE
// (GPT-2, Llama 3, Qwen2) and metaspace BPE with byte fallback (Llama 2,
// Mistral, Phi-3, Gemma) are supported.
func LoadHF(data []byte) (*BPE, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, callm.Serde("tokenizer.json", err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, callm.TokenizerError(fmt.Sprintf("unsupported tokenizer model: %s", tj.Model.Type), nil)
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	vocab := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		if id >= 0 {
			vocab[id] = tok
		}
	}
	var specials []string
	for _, at := range tj.AddedTokens {
		if at.ID < 0 {
			continue
		}
		vocab[at.ID] = at.Content
		if at.Special {
			specials = append(specials, at.Content)
		}
	}

	merges := make([]Pair, 0, len(tj.Model.Merges))
	for i, raw := range tj.Model.Merges {
		p, ok := parseHFMerge(raw)
		if !ok {
			return nil, callm.TokenizerError(fmt.Sprintf("invalid merge %d: %v", i, raw), nil)
		}
		merges = append(merges, p)
	}

	cfg, err := hfConfig(&tj)
	if err != nil {
		return nil, err
	}
	cfg.specials = specials
	cfg.unkID = -1
	if tj.Model.UnkToken != nil {
		for id, tok := range vocab {
			if tok == *tj.Model.UnkToken {
				cfg.unkID = id
				break
			}
		}
	}
	return newBPE(vocab, merges, cfg)
}

func parseHFMerge(raw any) (Pair, bool) {
	switch v := raw.(type) {
	case string:
		a, b, ok := strings.Cut(v, " ")
		if !ok || a == "" || b == "" || strings.Contains(b, " ") {
			return Pair{}, false
		}
		return Pair{A: a, B: b}, true
	case []any:
		if len(v) != 2 {
			return Pair{}, false
		}
		a, aok := v[0].(string)
		b, bok := v[1].(string)
		return Pair{A: a, B: b}, aok && bok
	default:
		return Pair{}, false
	}
}

// hfConfig picks the encoding from the pre-tokenizer, normalizer and
// decoder sections.
func hfConfig(tj *hfTokenizerJSON) (config, error) {
	var pres []*hfPreTokenizer
	var walk func(p *hfPreTokenizer)
	walk = func(p *hfPreTokenizer) {
		if p == nil {
			return
		}
		pres = append(pres, p)
		for i := range p.Pretokenizers {
			walk(&p.Pretokenizers[i])
		}
	}
	walk(tj.PreTokenizer)

	pattern := ""
	byteLevelPre := false
	var meta *hfPreTokenizer
	for _, p := range pres {
		switch p.Type {
		case "Split":
			if pattern == "" && p.Pattern.Regex != "" {
				pattern = p.Pattern.Regex
			}
		case "ByteLevel":
			byteLevelPre = true
			if pattern == "" && (p.UseRegex == nil || *p.UseRegex) {
				pattern = gpt2Pattern
			}
		case "Metaspace":
			meta = p
		}
	}

	byteLevelDecoder := false
	if tj.Decoder != nil {
		byteLevelDecoder = tj.Decoder.Type == "ByteLevel"
		for _, d := range tj.Decoder.Decoders {
			byteLevelDecoder = byteLevelDecoder || d.Type == "ByteLevel"
		}
	}

	switch {
	case byteLevelPre || (tj.PreTokenizer == nil && byteLevelDecoder):
		if pattern == "" {
			pattern = gpt2Pattern
		}
		pre, err := newPreTokenizer(pattern)
		if err != nil {
			return config{}, callm.TokenizerError("pre-tokenizer", err)
		}
		return config{
			encoding:     byteLevel,
			pre:          pre,
			ignoreMerges: tj.Model.IgnoreMerges,
		}, nil
	case meta != nil || usesMetaspaceNormalizer(tj.Normalizer):
		prefix := hasPrependNormalizer(tj.Normalizer)
		if meta != nil {
			prefix = meta.PrependScheme != "never" && (meta.AddPrefixSpace == nil || *meta.AddPrefixSpace)
		}
		return config{
			encoding:       metaspace,
			ignoreMerges:   tj.Model.IgnoreMerges,
			addPrefixSpace: prefix,
			byteFallback:   tj.Model.ByteFallback,
		}, nil
	default:
		return config{}, callm.TokenizerError("unsupported tokenizer.json: neither byte-level nor metaspace", nil)
	}
}

func usesMetaspaceNormalizer(n *hfNormalizer) bool {
	if n == nil {
		return false
	}
	if n.Type == "Replace" && n.Pattern.String == " " && n.Content == metaspaceMark {
		return true
	}
	for i := range n.Normalizers {
		if usesMetaspaceNormalizer(&n.Normalizers[i]) {
			return true
		}
	}
	return false
}

func hasPrependNormalizer(n *hfNormalizer) bool {
	if n == nil {
		return false
	}
	if n.Type == "Prepend" && n.Prepend == metaspaceMark {
		return true
	}
	for i := range n.Normalizers {
		if hasPrependNormalizer(&n.Normalizers[i]) {
			return true
		}
	}
	return false
}
