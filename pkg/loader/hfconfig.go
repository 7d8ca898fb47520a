package loader

import (
	"bytes"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/MistApproach/callm/internal/metadata"
	"github.com/MistApproach/callm/pkg/callm"
)

// architectures maps config.json "architectures" entries to engine names.
var architectures = map[string]string{
	"Gemma2ForCausalLM":  "gemma",
	"LlamaForCausalLM":   "llama",
	"MistralForCausalLM": "mistral",
	"Phi3ForCausalLM":    "phi3",
	"Qwen2ForCausalLM":   "qwen2",
}

// modelConfig is the part of config.json the loader interprets.
type modelConfig struct {
	// Class is architectures[0]; Arch is its engine name or "" when the
	// class is not supported.
	Class  string
	Arch   string
	BOSID  int
	EOSID  int
	Params *metadata.Hyperparams
}

func readModelConfig(path string) (*modelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, callm.IO(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, callm.Serde("config.json", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, callm.LoaderFail("Unknown model config format")
	}

	cfg := &modelConfig{}
	if cfg.BOSID, err = tokenID(obj, "bos_token_id", "BOS"); err != nil {
		return nil, err
	}
	if cfg.EOSID, err = tokenID(obj, "eos_token_id", "EOS"); err != nil {
		return nil, err
	}

	rawArch, ok := obj["architectures"]
	if !ok {
		return nil, callm.LoaderFail("Missing architecture in model config")
	}
	list, ok := rawArch.([]any)
	if !ok {
		return nil, callm.LoaderFail("Model config architectures is not an array")
	}
	if len(list) == 0 {
		return nil, callm.LoaderFail("Empty architectures array in model config")
	}
	cfg.Class, ok = list[0].(string)
	if !ok {
		return nil, callm.LoaderFail("Model architecture in model config is not a string")
	}
	cfg.Arch = architectures[cfg.Class]
	if cfg.Arch != "" {
		if id, fixed := metadata.CorrectEOS(cfg.Arch, cfg.EOSID, nil); fixed {
			cfg.EOSID = id
		}
	}
	cfg.Params = hyperparams(obj)
	return cfg, nil
}

func tokenID(obj map[string]any, key, label string) (int, error) {
	v, ok := obj[key]
	if !ok {
		return 0, callm.LoaderFail("Missing %s token ID in model config", label)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, callm.LoaderFail("Model config %s token ID is not an integer", label)
	}
	id, err := n.Int64()
	if err != nil {
		return 0, callm.LoaderFail("Model config %s token ID is not an integer", label)
	}
	return int(id), nil
}

// hyperparams maps the common Hugging Face config fields. Missing fields
// stay zero.
func hyperparams(obj map[string]any) *metadata.Hyperparams {
	u32 := func(key string) uint32 {
		n, ok := obj[key].(json.Number)
		if !ok {
			return 0
		}
		v, err := n.Int64()
		if err != nil || v < 0 || v > 1<<32-1 {
			return 0
		}
		return uint32(v)
	}
	f32 := func(key string) (float32, bool) {
		n, ok := obj[key].(json.Number)
		if !ok {
			return 0, false
		}
		v, err := n.Float64()
		return float32(v), err == nil
	}

	p := &metadata.Hyperparams{
		ContextLength:     u32("max_position_embeddings"),
		EmbeddingLength:   u32("hidden_size"),
		BlockCount:        u32("num_hidden_layers"),
		FeedForwardLength: u32("intermediate_size"),
		HeadCount:         u32("num_attention_heads"),
	}
	p.RMSEpsilon, _ = f32("rms_norm_eps")
	if v := u32("num_key_value_heads"); v > 0 {
		p.HeadCountKV = &v
	}
	if v, ok := f32("rope_theta"); ok {
		p.RopeFreqBase = &v
	}
	if v := u32("head_dim"); v > 0 {
		p.RopeDimensionCount = v
	} else if p.HeadCount > 0 {
		p.RopeDimensionCount = p.EmbeddingLength / p.HeadCount
	}
	return p
}

// readWeightIndex returns the distinct shard names of a
// model.safetensors.index.json in order of first appearance.
func readWeightIndex(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, callm.IO(err)
	}
	var idx struct {
		WeightMap *orderedmap.OrderedMap[string, any] `json:"weight_map"`
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, callm.Serde("model index", err)
	}
	if idx.WeightMap == nil {
		return nil, callm.LoaderFail("Model index deserialization failure")
	}

	seen := make(map[string]struct{})
	var files []string
	for pair := idx.WeightMap.Oldest(); pair != nil; pair = pair.Next() {
		name, ok := pair.Value.(string)
		if !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		files = append(files, name)
	}
	return files, nil
}

// readChatTemplate returns tokenizer_config.json's chat_template, or nil
// when the file or the field is absent.
func readChatTemplate(path string) (*string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, callm.IO(err)
	}
	var cfg struct {
		ChatTemplate any `json:"chat_template"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, callm.Serde("tokenizer_config.json", err)
	}
	switch v := cfg.ChatTemplate.(type) {
	case string:
		return &v, nil
	case []any:
		// named templates; use "default"
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok || entry["name"] != "default" {
				continue
			}
			if s, ok := entry["template"].(string); ok {
				return &s, nil
			}
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func describeFiles(files []string) string {
	if len(files) == 1 {
		return files[0]
	}
	return fmt.Sprintf("%d shards", len(files))
}
