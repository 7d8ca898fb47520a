// Package metadata interprets the raw GGUF key/value map into a model
// description: general fields, architecture hyperparameters and the
// tokenizer section.
package metadata

import (
	"fmt"

	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/pkg/callm"
)

// TypeError reports a present key whose value has the wrong type.
type TypeError struct {
	Key  string
	Want string
	Got  gguf.ValueType
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("metadata key %q: expected %s, got %s", e.Key, e.Want, e.Got)
}

type Source struct {
	URL                   string
	HuggingFaceRepository string
}

// Model is the interpreted description of a GGUF model.
type Model struct {
	// ArchName is the raw general.architecture value; Arch is ArchUnsupported
	// when no entry in the registry matches it.
	ArchName            string
	Arch                Arch
	QuantizationVersion uint32
	Alignment           uint32

	Name        string
	Author      string
	URL         string
	Description string
	License     string
	FileType    *uint32
	Source      Source

	// Params is nil for unsupported architectures.
	Params *Hyperparams

	Tokenizer Tokenizer

	// Corrections lists the quirk fixes applied while parsing.
	Corrections []string
}

// Tokenizer is the tokenizer section of the metadata. Optional ids are nil
// when absent.
type Tokenizer struct {
	Model       string
	Pre         string
	Tokens      []string
	Scores      []float32
	TokenTypes  []int32
	Merges      []string
	AddedTokens []string

	BOSID *int
	EOSID *int
	UNKID *int
	SEPID *int
	PADID *int

	ChatTemplate *string
}

// TokenText returns the vocabulary entry for id.
func (t *Tokenizer) TokenText(id int) (string, bool) {
	if id < 0 || id >= len(t.Tokens) {
		return "", false
	}
	return t.Tokens[id], true
}

// Parse interprets kv. Missing required keys fail with a callm loader
// failure naming the key; wrongly typed keys fail with *TypeError.
func Parse(kv map[string]gguf.Value) (*Model, error) {
	r := kvReader{kv: kv}
	m := &Model{
		ArchName:            r.requiredString("general.architecture"),
		QuantizationVersion: r.requiredU32("general.quantization_version"),
		Alignment:           gguf.DefaultAlignment,
	}
	if v, ok := r.optionalU32("general.alignment"); ok {
		m.Alignment = v
	}
	if r.err != nil {
		return nil, r.err
	}

	m.Name, _ = r.optionalString("general.name")
	m.Author, _ = r.optionalString("general.author")
	m.URL, _ = r.optionalString("general.url")
	m.Description, _ = r.optionalString("general.description")
	m.License, _ = r.optionalString("general.license")
	if v, ok := r.optionalU32("general.file_type"); ok {
		m.FileType = &v
	}
	m.Source.URL, _ = r.optionalString("general.source.url")
	m.Source.HuggingFaceRepository, _ = r.optionalString("general.source.huggingface.repository")
	if r.err != nil {
		return nil, r.err
	}

	tok, err := parseTokenizer(&r)
	if err != nil {
		return nil, err
	}
	m.Tokenizer = *tok

	spec, ok := lookupArch(m.ArchName)
	if !ok {
		m.Arch = ArchUnsupported
		return m, nil
	}
	m.Arch = spec.arch
	params, err := spec.parse(&r, m.ArchName)
	if err != nil {
		return nil, err
	}
	m.Params = params

	if m.Tokenizer.EOSID != nil {
		declared := *m.Tokenizer.EOSID
		if id, fixed := CorrectEOS(m.ArchName, declared, m.Tokenizer.TokenText); fixed {
			m.Tokenizer.EOSID = &id
			m.Corrections = append(m.Corrections, fmt.Sprintf("eos token %d -> %d", declared, id))
		}
	}
	return m, nil
}

func parseTokenizer(r *kvReader) (*Tokenizer, error) {
	t := &Tokenizer{
		Model:  r.requiredString("tokenizer.ggml.model"),
		Tokens: r.requiredStrings("tokenizer.ggml.tokens"),
	}
	if r.err != nil {
		return nil, r.err
	}
	if v, ok := r.optionalString("tokenizer.chat_template"); ok {
		t.ChatTemplate = &v
	}
	t.Pre, _ = r.optionalString("tokenizer.ggml.pre")
	t.BOSID = r.optionalID("tokenizer.ggml.bos_token_id")
	t.EOSID = r.optionalID("tokenizer.ggml.eos_token_id")
	t.UNKID = r.optionalID("tokenizer.ggml.unknown_token_id")
	t.SEPID = r.optionalID("tokenizer.ggml.separator_token_id")
	t.PADID = r.optionalID("tokenizer.ggml.padding_token_id")
	t.Scores = optionalArray[float32](r, "tokenizer.ggml.scores", "f32 array")
	t.TokenTypes = optionalArray[int32](r, "tokenizer.ggml.token_type", "i32 array")
	t.Merges = optionalArray[string](r, "tokenizer.ggml.merges", "string array")
	t.AddedTokens = optionalArray[string](r, "tokenizer.ggml.added_tokens", "string array")
	if r.err != nil {
		return nil, r.err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tokenizer) validate() error {
	ids := []struct {
		key string
		id  *int
	}{
		{"bos", t.BOSID}, {"eos", t.EOSID}, {"unknown", t.UNKID},
		{"separator", t.SEPID}, {"padding", t.PADID},
	}
	for _, e := range ids {
		if e.id != nil && (*e.id < 0 || *e.id >= len(t.Tokens)) {
			return callm.LoaderFail("%s token id %d outside vocabulary of %d tokens", e.key, *e.id, len(t.Tokens))
		}
	}
	for i, m := range t.Merges {
		if _, _, ok := SplitMerge(m); !ok {
			return callm.LoaderFail("merge %d (%q) is not two space separated tokens", i, m)
		}
	}
	return nil
}

// SplitMerge splits a merge rule at its single interior space.
func SplitMerge(rule string) (string, string, bool) {
	for i := 1; i < len(rule)-1; i++ {
		if rule[i] != ' ' {
			continue
		}
		a, b := rule[:i], rule[i+1:]
		for j := 0; j < len(b); j++ {
			if b[j] == ' ' {
				return "", "", false
			}
		}
		return a, b, true
	}
	return "", "", false
}
