package loader

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/MistApproach/callm/internal/gguf"
	"github.com/MistApproach/callm/internal/metadata"
	"github.com/MistApproach/callm/internal/tokenizer"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/template"
)

// GGUF loads single-file GGUF models.
type GGUF struct {
	mu       sync.Mutex
	location string
	device   callm.Device
	opts     options

	meta *metadata.Model
	tok  *tokenizer.BPE
	tpl  template.Template
}

func NewGGUF(location string, opts ...Option) *GGUF {
	return &GGUF{
		location: location,
		device:   callm.NewDevice(callm.CPU, 0),
		opts:     newOptions(opts),
	}
}

func (l *GGUF) SetDevice(d callm.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.device = d
}

// Metadata returns the interpreted GGUF header.
func (l *GGUF) Metadata() (*metadata.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.parse(); err != nil {
		return nil, err
	}
	return l.meta, nil
}

// parse reads and interprets the header once. Callers hold l.mu.
func (l *GGUF) parse() error {
	if l.meta != nil {
		return nil
	}
	st, err := os.Stat(l.location)
	if err != nil {
		return callm.IO(err)
	}
	if !st.Mode().IsRegular() {
		return callm.LoaderFail("Location is not pointing to GGUF file")
	}

	f, err := gguf.Open(l.location)
	if err != nil {
		return &callm.Error{Kind: callm.ErrLoaderFail, Msg: "read GGUF header", Err: err}
	}
	defer func() { _ = f.Close() }()

	m, err := metadata.Parse(f.KV)
	if err != nil {
		return err
	}
	l.opts.log.Debug("parsed GGUF header",
		"path", l.location,
		"version", f.Header.Version,
		"tensors", len(f.Tensors),
		"arch", m.ArchName,
	)
	for _, c := range m.Corrections {
		l.opts.log.Info("applied metadata correction", "arch", m.ArchName, "fix", c)
	}
	l.meta = m
	return nil
}

// Load parses the header and instantiates the model through the engine
// registry. The returned model has not been loaded yet.
func (l *GGUF) Load(ctx context.Context) (engine.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.parse(); err != nil {
		return nil, err
	}
	if l.meta.Arch == metadata.ArchUnsupported {
		return nil, callm.UnsupportedModel(l.meta.ArchName)
	}

	m, err := l.opts.registry.New(engine.Spec{
		Arch:        l.meta.ArchName,
		Format:      engine.FormatGGUF,
		Files:       []string{l.location},
		Device:      l.device,
		Hyperparams: l.meta.Params,
		VocabSize:   len(l.meta.Tokenizer.Tokens),
	})
	if err != nil {
		return nil, err
	}
	l.opts.log.Info("instantiated model",
		"path", l.location,
		"arch", l.meta.ArchName,
		"device", l.device.String(),
		"elapsed", time.Since(start),
	)
	return m, nil
}

func (l *GGUF) Tokenizer() (tokenizer.Tokenizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokenizer()
}

func (l *GGUF) tokenizer() (*tokenizer.BPE, error) {
	if l.tok != nil {
		return l.tok, nil
	}
	if err := l.parse(); err != nil {
		return nil, err
	}
	tok, err := tokenizer.Build(&l.meta.Tokenizer)
	if err != nil {
		return nil, err
	}
	l.tok = tok
	return tok, nil
}

// Template resolves the embedded chat template, or the passthrough
// template when the file has none.
func (l *GGUF) Template() (template.Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpl != nil {
		return l.tpl, nil
	}
	if err := l.parse(); err != nil {
		return nil, err
	}
	t := &l.meta.Tokenizer
	tpl, err := template.Resolve(t.ChatTemplate, t.BOSID, t.EOSID, t.TokenText)
	if err != nil {
		return nil, err
	}
	l.tpl = tpl
	return tpl, nil
}

func (l *GGUF) Describe() (Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.parse(); err != nil {
		return Description{}, err
	}
	t := &l.meta.Tokenizer
	d := Description{
		Format:       engine.FormatGGUF,
		Location:     l.location,
		Files:        []string{l.location},
		Arch:         l.meta.ArchName,
		Name:         l.meta.Name,
		VocabSize:    len(t.Tokens),
		ChatTemplate: t.ChatTemplate != nil,
	}
	if t.BOSID != nil {
		d.BOS, _ = t.TokenText(*t.BOSID)
	}
	if t.EOSID != nil {
		d.EOS, _ = t.TokenText(*t.EOSID)
	}
	return d, nil
}
