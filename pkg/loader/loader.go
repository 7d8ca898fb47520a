// Package loader turns a model location on disk into a tokenizer, a chat
// template and an engine model handle.
package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/tokenizer"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/template"
)

// Loader is implemented once per on-disk format. Implementations are safe
// for concurrent use; each call holds the loader's lock for its duration.
type Loader interface {
	SetDevice(d callm.Device)
	Load(ctx context.Context) (engine.Model, error)
	Tokenizer() (tokenizer.Tokenizer, error)
	Template() (template.Template, error)
}

// Describer is implemented by loaders that can summarize the model they
// point at without instantiating it.
type Describer interface {
	Describe() (Description, error)
}

// Description is a format independent summary of a model.
type Description struct {
	Format       engine.Format `json:"format"`
	Location     string        `json:"location"`
	Files        []string      `json:"files"`
	Arch         string        `json:"architecture"`
	Name         string        `json:"name,omitempty"`
	VocabSize    int           `json:"vocab_size"`
	BOS          string        `json:"bos_token,omitempty"`
	EOS          string        `json:"eos_token,omitempty"`
	ChatTemplate bool          `json:"chat_template"`
}

type options struct {
	registry *engine.Registry
	log      logger.Logger
}

type Option func(*options)

// WithRegistry makes the loader instantiate models from r instead of
// engine.Default.
func WithRegistry(r *engine.Registry) Option {
	return func(o *options) { o.registry = r }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(opts []Option) options {
	o := options{registry: engine.Default, log: logger.Discard()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Autodetect picks a loader for path. Files dispatch on their extension;
// directories always use the safetensors loader. A file with an unknown
// extension is retried once as its parent directory.
func Autodetect(path string, opts ...Option) (Loader, error) {
	return autodetect(path, false, opts)
}

func autodetect(path string, retried bool, opts []Option) (Loader, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, callm.IO(err)
	}
	if st.IsDir() {
		return NewSafetensors(path, opts...), nil
	}
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "gguf":
		return NewGGUF(path, opts...), nil
	case "ggml":
		return nil, callm.LoaderFail("ggml format is not supported")
	case "safetensors":
		return NewSafetensors(path, opts...), nil
	}
	if !retried {
		if parent := filepath.Dir(path); parent != path {
			return autodetect(parent, true, opts)
		}
	}
	return nil, callm.LoaderFail("No suitable loader found")
}
