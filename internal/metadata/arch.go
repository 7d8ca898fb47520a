package metadata

import "fmt"

// Arch identifies a supported architecture.
type Arch int

const (
	ArchUnsupported Arch = iota
	ArchLlama
	ArchQwen2
)

func (a Arch) String() string {
	switch a {
	case ArchLlama:
		return "llama"
	case ArchQwen2:
		return "qwen2"
	default:
		return "unsupported"
	}
}

// Hyperparams holds the transformer shape read from <arch>.* keys.
// Pointer fields are optional keys.
type Hyperparams struct {
	ContextLength      uint32
	EmbeddingLength    uint32
	BlockCount         uint32
	FeedForwardLength  uint32
	RopeDimensionCount uint32
	RopeFreqBase       *float32
	HeadCount          uint32
	HeadCountKV        *uint32
	RMSEpsilon         float32
}

type archSpec struct {
	arch  Arch
	parse func(r *kvReader, prefix string) (*Hyperparams, error)
}

// registry maps general.architecture to its sub-record parser. Adding an
// architecture here makes it parse; an engine must also be registered for
// it to load.
var registry = map[string]archSpec{
	"llama": {arch: ArchLlama, parse: parseTransformer(true)},
	"qwen2": {arch: ArchQwen2, parse: parseTransformer(false)},
}

func lookupArch(name string) (archSpec, bool) {
	s, ok := registry[name]
	return s, ok
}

// Supported reports whether the architecture has a sub-record parser.
func Supported(name string) bool {
	_, ok := registry[name]
	return ok
}

// parseTransformer reads the llama-style key set. When ropeRequired is
// false a missing rope.dimension_count defaults to embedding/heads.
func parseTransformer(ropeRequired bool) func(*kvReader, string) (*Hyperparams, error) {
	return func(r *kvReader, prefix string) (*Hyperparams, error) {
		key := func(k string) string { return fmt.Sprintf("%s.%s", prefix, k) }
		p := &Hyperparams{
			ContextLength:     r.requiredU32(key("context_length")),
			EmbeddingLength:   r.requiredU32(key("embedding_length")),
			BlockCount:        r.requiredU32(key("block_count")),
			FeedForwardLength: r.requiredU32(key("feed_forward_length")),
			HeadCount:         r.requiredU32(key("attention.head_count")),
		}
		p.RMSEpsilon, _ = r.f32(key("attention.layer_norm_rms_epsilon"), true)
		if v, ok := r.optionalU32(key("attention.head_count_kv")); ok {
			p.HeadCountKV = &v
		}
		if v, ok := r.f32(key("rope.freq_base"), false); ok {
			p.RopeFreqBase = &v
		}
		if v, ok := r.u32(key("rope.dimension_count"), ropeRequired); ok {
			p.RopeDimensionCount = v
		} else if r.err == nil && p.HeadCount > 0 {
			p.RopeDimensionCount = p.EmbeddingLength / p.HeadCount
		}
		if r.err != nil {
			return nil, r.err
		}
		return p, nil
	}
}
