package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MistApproach/callm/internal/safetensors"
	"github.com/MistApproach/callm/internal/tokenizer"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/template"
)

const (
	defaultWeightsFile     = "model.safetensors"
	defaultIndexFile       = "model.safetensors.index.json"
	configFile             = "config.json"
	tokenizerFile          = "tokenizer.json"
	tokenizerConfigFile    = "tokenizer_config.json"
	maxConcurrentShardOpen = 8
)

// Safetensors loads Hugging Face style model directories: a config.json, a
// tokenizer.json, and one or more .safetensors shards.
type Safetensors struct {
	mu       sync.Mutex
	location string
	device   callm.Device
	opts     options

	resolved     bool
	baseDir      string
	files        []string
	config       *modelConfig
	chatTemplate *string
	tok          *tokenizer.BPE
	tpl          template.Template
}

func NewSafetensors(location string, opts ...Option) *Safetensors {
	return &Safetensors{
		location: location,
		device:   callm.NewDevice(callm.CPU, 0),
		opts:     newOptions(opts),
	}
}

func (l *Safetensors) SetDevice(d callm.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.device = d
}

// Files returns the resolved weight shards.
func (l *Safetensors) Files() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.resolve(); err != nil {
		return nil, err
	}
	return append([]string(nil), l.files...), nil
}

// resolve locates the weights and companion files and reads config.json.
// Callers hold l.mu.
func (l *Safetensors) resolve() error {
	if l.resolved {
		return nil
	}
	baseDir, files, err := locateWeights(l.location)
	if err != nil {
		return err
	}
	if err := requireFile(filepath.Join(baseDir, configFile), "model config"); err != nil {
		return err
	}
	if err := requireFile(filepath.Join(baseDir, tokenizerFile), "tokenizer"); err != nil {
		return err
	}

	cfg, err := readModelConfig(filepath.Join(baseDir, configFile))
	if err != nil {
		return err
	}
	tpl, err := readChatTemplate(filepath.Join(baseDir, tokenizerConfigFile))
	if err != nil {
		return err
	}
	if tpl == nil {
		l.opts.log.Debug("tokenizer config has no chat template", "dir", baseDir)
	}

	l.baseDir, l.files, l.config, l.chatTemplate = baseDir, files, cfg, tpl
	l.resolved = true
	return nil
}

// locateWeights accepts a single shard, a directory with an index file, or
// a directory holding model.safetensors.
func locateWeights(location string) (string, []string, error) {
	st, err := os.Stat(location)
	if err != nil {
		return "", nil, callm.IO(err)
	}
	if !st.IsDir() {
		return filepath.Dir(location), []string{location}, nil
	}

	index := filepath.Join(location, defaultIndexFile)
	if _, err := os.Stat(index); err == nil {
		names, err := readWeightIndex(index)
		if err != nil {
			return "", nil, err
		}
		files := make([]string, len(names))
		for i, name := range names {
			files[i] = filepath.Join(location, name)
		}
		return location, files, nil
	}

	weights := filepath.Join(location, defaultWeightsFile)
	st, err = os.Stat(weights)
	if err != nil || st.IsDir() {
		return "", nil, callm.LoaderFail("Unable to find %s or %s in %s", defaultWeightsFile, defaultIndexFile, location)
	}
	return location, []string{weights}, nil
}

func requireFile(path, what string) error {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return callm.LoaderFail("Unable to find %s file %s", what, path)
	}
	return nil
}

// validateShards opens every shard header concurrently and checks its
// tensor table against the file size.
func validateShards(ctx context.Context, files []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentShardOpen)
	for _, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := safetensors.Open(path)
			if err != nil {
				return &callm.Error{Kind: callm.ErrLoaderFail, Msg: "open shard " + path, Err: err}
			}
			if err := f.Validate(); err != nil {
				return &callm.Error{Kind: callm.ErrLoaderFail, Msg: "validate shard " + path, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Safetensors) Load(ctx context.Context) (engine.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	if err := l.resolve(); err != nil {
		return nil, err
	}
	if l.config.Arch == "" {
		return nil, callm.UnsupportedModel(l.config.Class)
	}
	if err := validateShards(ctx, l.files); err != nil {
		return nil, err
	}
	tok, err := l.tokenizer()
	if err != nil {
		return nil, err
	}

	m, err := l.opts.registry.New(engine.Spec{
		Arch:        l.config.Arch,
		Format:      engine.FormatSafetensors,
		Files:       append([]string(nil), l.files...),
		Device:      l.device,
		Hyperparams: l.config.Params,
		VocabSize:   tok.VocabSize(),
	})
	if err != nil {
		return nil, err
	}
	l.opts.log.Info("instantiated model",
		"weights", describeFiles(l.files),
		"arch", l.config.Arch,
		"device", l.device.String(),
		"elapsed", time.Since(start),
	)
	return m, nil
}

func (l *Safetensors) Tokenizer() (tokenizer.Tokenizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.resolve(); err != nil {
		return nil, err
	}
	return l.tokenizer()
}

func (l *Safetensors) tokenizer() (*tokenizer.BPE, error) {
	if l.tok != nil {
		return l.tok, nil
	}
	tok, err := tokenizer.LoadHFFile(filepath.Join(l.baseDir, tokenizerFile))
	if err != nil {
		return nil, err
	}
	l.tok = tok
	return tok, nil
}

// Template resolves tokenizer_config.json's chat template and names the
// BOS and EOS tokens through the tokenizer vocabulary.
func (l *Safetensors) Template() (template.Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tpl != nil {
		return l.tpl, nil
	}
	if err := l.resolve(); err != nil {
		return nil, err
	}
	tok, err := l.tokenizer()
	if err != nil {
		return nil, err
	}
	tpl, err := template.Resolve(l.chatTemplate, &l.config.BOSID, &l.config.EOSID, tok.IDToToken)
	if err != nil {
		return nil, err
	}
	l.tpl = tpl
	return tpl, nil
}

func (l *Safetensors) Describe() (Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.resolve(); err != nil {
		return Description{}, err
	}
	tok, err := l.tokenizer()
	if err != nil {
		return Description{}, err
	}
	d := Description{
		Format:       engine.FormatSafetensors,
		Location:     l.location,
		Files:        append([]string(nil), l.files...),
		Arch:         l.config.Arch,
		Name:         l.config.Class,
		VocabSize:    tok.VocabSize(),
		ChatTemplate: l.chatTemplate != nil,
	}
	d.BOS, _ = tok.IDToToken(l.config.BOSID)
	d.EOS, _ = tok.IDToToken(l.config.EOSID)
	return d, nil
}
