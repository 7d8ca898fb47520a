// Package fixture writes tiny but complete model files for tests: a GGUF
// container and a Hugging Face style safetensors directory, both with a
// byte-level vocabulary that can encode any text.
package fixture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/safetensors"
)

// Llama3Template is the Llama 3 instruct chat template.
const Llama3Template = "{{ bos_token }}{% for message in messages %}" +
	"<|start_header_id|>{{ message['role'] }}<|end_header_id|>\n\n{{ message['content'] }}<|eot_id|>" +
	"{% endfor %}{% if add_generation_prompt %}<|start_header_id|>assistant<|end_header_id|>\n\n{% endif %}"

// Special tokens appended after the 256 byte tokens.
const (
	BOS   = "<|begin_of_text|>"
	EOS   = "<|eot_id|>"
	BOSID = 256
	EOSID = 257
	Vocab = 258
)

// ByteTokens returns the GPT-2 byte-level alphabet in byte order.
func ByteTokens() []string {
	var printable []int
	for b := '!'; b <= '~'; b++ {
		printable = append(printable, int(b))
	}
	for b := '¡'; b <= '¬'; b++ {
		printable = append(printable, int(b))
	}
	for b := '®'; b <= 'ÿ'; b++ {
		printable = append(printable, int(b))
	}
	isPrintable := make(map[int]bool, len(printable))
	for _, b := range printable {
		isPrintable[b] = true
	}

	tokens := make([]string, 256)
	n := 0
	for b := range 256 {
		if isPrintable[b] {
			tokens[b] = string(rune(b))
			continue
		}
		tokens[b] = string(rune(256 + n))
		n++
	}
	return tokens
}

// Tokens returns the byte alphabet followed by BOS and EOS.
func Tokens() []string {
	return append(ByteTokens(), BOS, EOS)
}

// LlamaKV returns GGUF metadata for a tiny llama model using Tokens.
func LlamaKV() map[string]any {
	types := make([]int32, Vocab)
	for i := range types {
		types[i] = 1
	}
	types[BOSID], types[EOSID] = 3, 3
	return map[string]any{
		"general.architecture":                   "llama",
		"general.quantization_version":           uint32(2),
		"general.name":                           "fixture",
		"llama.context_length":                   uint32(2048),
		"llama.embedding_length":                 uint32(8),
		"llama.block_count":                      uint32(1),
		"llama.feed_forward_length":              uint32(16),
		"llama.rope.dimension_count":             uint32(4),
		"llama.attention.head_count":             uint32(2),
		"llama.attention.layer_norm_rms_epsilon": float32(1e-5),
		"tokenizer.ggml.model":                   "gpt2",
		"tokenizer.ggml.pre":                     "llama-bpe",
		"tokenizer.ggml.tokens":                  Tokens(),
		"tokenizer.ggml.token_type":              types,
		"tokenizer.ggml.merges":                  []string{},
		"tokenizer.ggml.bos_token_id":            uint32(BOSID),
		"tokenizer.ggml.eos_token_id":            uint32(EOSID),
		"tokenizer.chat_template":                Llama3Template,
	}
}

// WriteGGUF encodes kv with one small tensor into dir/name.
func WriteGGUF(t testing.TB, dir, name string, kv map[string]any) string {
	t.Helper()
	var buf bytes.Buffer
	tensors := []gguf.Tensor{{Name: "token_embd.weight", Dims: []uint64{2}, Type: gguf.GGMLTypeF32, Data: make([]byte, 8)}}
	if err := gguf.Encode(&buf, kv, tensors); err != nil {
		t.Fatalf("encode gguf: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write gguf: %v", err)
	}
	return path
}

// TokenizerJSON returns a byte-level tokenizer.json over Tokens.
func TokenizerJSON() []byte {
	vocab := make(map[string]int, 256)
	for i, tok := range ByteTokens() {
		vocab[tok] = i
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":          "BPE",
			"vocab":         vocab,
			"merges":        []string{},
			"ignore_merges": true,
		},
		"pre_tokenizer": map[string]any{
			"type": "Sequence",
			"pretokenizers": []any{
				map[string]any{"type": "ByteLevel", "add_prefix_space": false, "use_regex": true},
			},
		},
		"decoder": map[string]any{"type": "ByteLevel"},
		"added_tokens": []any{
			map[string]any{"id": BOSID, "content": BOS, "special": true},
			map[string]any{"id": EOSID, "content": EOS, "special": true},
		},
	}
	out, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return out
}

// HFDir describes the files WriteHFDir creates. Nil byte slices are not
// written.
type HFDir struct {
	Config          []byte
	Tokenizer       []byte
	TokenizerConfig []byte
	// Shards maps file names to their tensors. Empty means a single
	// model.safetensors with one tensor.
	Shards map[string][]safetensors.Tensor
	Index  []byte
}

// LlamaConfig returns a config.json for a LlamaForCausalLM with the given
// EOS id.
func LlamaConfig(eos int) []byte {
	out, err := json.Marshal(map[string]any{
		"architectures":           []string{"LlamaForCausalLM"},
		"bos_token_id":            BOSID,
		"eos_token_id":            eos,
		"hidden_size":             8,
		"intermediate_size":       16,
		"num_attention_heads":     2,
		"num_hidden_layers":       1,
		"num_key_value_heads":     1,
		"max_position_embeddings": 2048,
		"rms_norm_eps":            1e-5,
		"rope_theta":              500000.0,
		"vocab_size":              Vocab,
	})
	if err != nil {
		panic(err)
	}
	return out
}

// DefaultHFDir is a complete llama directory with a chat template.
func DefaultHFDir() HFDir {
	cfg, _ := json.Marshal(map[string]any{"chat_template": Llama3Template})
	return HFDir{
		Config:          LlamaConfig(EOSID),
		Tokenizer:       TokenizerJSON(),
		TokenizerConfig: cfg,
	}
}

// WriteHFDir materializes d under a new temporary directory.
func WriteHFDir(t testing.TB, d HFDir) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, data []byte) {
		if data == nil {
			return
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("config.json", d.Config)
	write("tokenizer.json", d.Tokenizer)
	write("tokenizer_config.json", d.TokenizerConfig)
	write("model.safetensors.index.json", d.Index)

	shards := d.Shards
	if len(shards) == 0 {
		shards = map[string][]safetensors.Tensor{
			"model.safetensors": {{Name: "lm_head.weight", DType: "F32", Shape: []int{2}, Data: make([]byte, 8)}},
		}
	}
	for name, tensors := range shards {
		var buf bytes.Buffer
		if err := safetensors.Write(&buf, tensors, map[string]string{"format": "pt"}); err != nil {
			t.Fatalf("encode %s: %v", name, err)
		}
		write(name, buf.Bytes())
	}
	return dir
}
