package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MistApproach/callm/internal/fixture"
	"github.com/MistApproach/callm/internal/safetensors"
	"github.com/MistApproach/callm/internal/toy"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/engine"
	"github.com/MistApproach/callm/pkg/template"
)

func toyRegistry() *engine.Registry {
	r := engine.NewRegistry()
	r.SetFallback(toy.Factory(1))
	return r
}

func TestAutodetect(t *testing.T) {
	t.Parallel()

	dir := fixture.WriteHFDir(t, fixture.DefaultHFDir())
	ggufPath := fixture.WriteGGUF(t, t.TempDir(), "model.gguf", fixture.LlamaKV())
	other := filepath.Join(dir, "README.md")
	ggml := filepath.Join(t.TempDir(), "model.ggml")
	for _, p := range []string{other, ggml} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	cases := []struct {
		name string
		path string
		want string
	}{
		{name: "gguf file", path: ggufPath, want: "*loader.GGUF"},
		{name: "safetensors file", path: filepath.Join(dir, "model.safetensors"), want: "*loader.Safetensors"},
		{name: "directory", path: dir, want: "*loader.Safetensors"},
		{name: "unknown extension retries parent", path: other, want: "*loader.Safetensors"},
	}
	for _, tc := range cases {
		l, err := Autodetect(tc.path)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got := typeName(l); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}

	if _, err := Autodetect(ggml); !errors.Is(err, callm.ErrLoaderFail) || !strings.Contains(err.Error(), "ggml format is not supported") {
		t.Fatalf("expected ggml loader failure, got %v", err)
	}
	if _, err := Autodetect(filepath.Join(dir, "missing.gguf")); !errors.Is(err, callm.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}

func typeName(l Loader) string {
	switch l.(type) {
	case *GGUF:
		return "*loader.GGUF"
	case *Safetensors:
		return "*loader.Safetensors"
	default:
		return "unknown"
	}
}

func TestGGUFLoad(t *testing.T) {
	t.Parallel()

	path := fixture.WriteGGUF(t, t.TempDir(), "model.gguf", fixture.LlamaKV())
	l := NewGGUF(path, WithRegistry(toyRegistry()))
	l.SetDevice(callm.NewDevice(callm.CPU, 0))

	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tm, ok := m.(*toy.Model)
	if !ok {
		t.Fatalf("expected toy model, got %T", m)
	}
	if tm.Vocab != fixture.Vocab || tm.Hidden != 8 {
		t.Fatalf("toy model shape = %d x %d", tm.Vocab, tm.Hidden)
	}

	tok, err := l.Tokenizer()
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	ids, err := tok.Encode(fixture.BOS + "hi")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if diff := cmp.Diff([]int{fixture.BOSID, 'h', 'i'}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}

	tpl, err := l.Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if eos, _ := tpl.EOS(); eos != fixture.EOS {
		t.Fatalf("eos = %q, want %q", eos, fixture.EOS)
	}
	out, err := tpl.Apply([]template.Message{{Role: template.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.HasPrefix(out, fixture.BOS+"<|start_header_id|>user") {
		t.Fatalf("unexpected prompt %q", out)
	}

	d, err := l.Describe()
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	want := Description{
		Format:       engine.FormatGGUF,
		Location:     path,
		Files:        []string{path},
		Arch:         "llama",
		Name:         "fixture",
		VocabSize:    fixture.Vocab,
		BOS:          fixture.BOS,
		EOS:          fixture.EOS,
		ChatTemplate: true,
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("description mismatch (-want +got):\n%s", diff)
	}
}

func TestGGUFFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	falcon := fixture.LlamaKV()
	falcon["general.architecture"] = "falcon"
	noArch := fixture.LlamaKV()
	delete(noArch, "general.architecture")
	notGGUF := filepath.Join(dir, "garbage.gguf")
	if err := os.WriteFile(notGGUF, []byte("definitely not a gguf file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name     string
		path     string
		registry *engine.Registry
		kind     error
		msg      string
	}{
		{name: "directory", path: dir, registry: toyRegistry(), kind: callm.ErrLoaderFail, msg: "Location is not pointing to GGUF file"},
		{name: "missing", path: filepath.Join(dir, "nope.gguf"), registry: toyRegistry(), kind: callm.ErrIO},
		{name: "bad magic", path: notGGUF, registry: toyRegistry(), kind: callm.ErrLoaderFail, msg: "read GGUF header"},
		{name: "unsupported arch", path: fixture.WriteGGUF(t, dir, "falcon.gguf", falcon), registry: toyRegistry(), kind: callm.ErrUnsupportedModel, msg: "falcon"},
		{name: "no engine", path: fixture.WriteGGUF(t, dir, "llama.gguf", fixture.LlamaKV()), registry: engine.NewRegistry(), kind: callm.ErrUnsupportedModel, msg: "llama"},
		{name: "missing key", path: fixture.WriteGGUF(t, dir, "noarch.gguf", noArch), registry: toyRegistry(), kind: callm.ErrLoaderFail, msg: "general.architecture"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGGUF(tc.path, WithRegistry(tc.registry)).Load(context.Background())
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("error %q does not mention %q", err, tc.msg)
			}
		})
	}
}

func TestGGUFUnsupportedArchStillTokenizes(t *testing.T) {
	t.Parallel()

	kv := fixture.LlamaKV()
	kv["general.architecture"] = "falcon"
	l := NewGGUF(fixture.WriteGGUF(t, t.TempDir(), "m.gguf", kv))
	tok, err := l.Tokenizer()
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	if tok.VocabSize() != fixture.Vocab {
		t.Fatalf("vocab = %d", tok.VocabSize())
	}
}

func TestGGUFPassthroughTemplate(t *testing.T) {
	t.Parallel()

	kv := fixture.LlamaKV()
	delete(kv, "tokenizer.chat_template")
	l := NewGGUF(fixture.WriteGGUF(t, t.TempDir(), "m.gguf", kv))
	tpl, err := l.Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if _, ok := tpl.(*template.Passthrough); !ok {
		t.Fatalf("expected passthrough template, got %T", tpl)
	}
	if bos, _ := tpl.BOS(); bos != fixture.BOS {
		t.Fatalf("bos = %q", bos)
	}
}

func TestGGUFLlama3EOSCorrection(t *testing.T) {
	t.Parallel()

	tokens := make([]string, 128256)
	for i := range tokens {
		tokens[i] = "t"
	}
	tokens[128000] = "<|begin_of_text|>"
	tokens[128001] = "<|end_of_text|>"
	tokens[128009] = "<|eot_id|>"
	kv := fixture.LlamaKV()
	kv["tokenizer.ggml.tokens"] = tokens
	delete(kv, "tokenizer.ggml.token_type")
	kv["tokenizer.ggml.bos_token_id"] = uint32(128000)
	kv["tokenizer.ggml.eos_token_id"] = uint32(128001)

	l := NewGGUF(fixture.WriteGGUF(t, t.TempDir(), "llama3.gguf", kv))
	tpl, err := l.Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if eos, _ := tpl.EOS(); eos != "<|eot_id|>" {
		t.Fatalf("eos = %q, want <|eot_id|>", eos)
	}
	m, err := l.Metadata()
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if *m.Tokenizer.EOSID != 128009 || len(m.Corrections) != 1 {
		t.Fatalf("eos id = %d, corrections = %v", *m.Tokenizer.EOSID, m.Corrections)
	}
}

func TestSafetensorsLoad(t *testing.T) {
	t.Parallel()

	dir := fixture.WriteHFDir(t, fixture.DefaultHFDir())
	l := NewSafetensors(dir, WithRegistry(toyRegistry()))

	m, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tm := m.(*toy.Model); tm.Vocab != fixture.Vocab {
		t.Fatalf("vocab = %d", tm.Vocab)
	}

	files, err := l.Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "model.safetensors")}, files); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	tpl, err := l.Template()
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if _, ok := tpl.(*template.Jinja); !ok {
		t.Fatalf("expected jinja template, got %T", tpl)
	}
	bos, _ := tpl.BOS()
	eos, _ := tpl.EOS()
	if bos != fixture.BOS || eos != fixture.EOS {
		t.Fatalf("bos/eos = %q/%q", bos, eos)
	}

	// a single shard path resolves the same directory
	single := NewSafetensors(filepath.Join(dir, "model.safetensors"), WithRegistry(toyRegistry()))
	if _, err := single.Load(context.Background()); err != nil {
		t.Fatalf("load single file: %v", err)
	}
}

func TestSafetensorsIndex(t *testing.T) {
	t.Parallel()

	shard := func(name string) []safetensors.Tensor {
		return []safetensors.Tensor{{Name: name, DType: "F32", Shape: []int{1}, Data: make([]byte, 4)}}
	}
	d := fixture.DefaultHFDir()
	d.Shards = map[string][]safetensors.Tensor{
		"model-00001-of-00002.safetensors": shard("b"),
		"model-00002-of-00002.safetensors": shard("a"),
	}
	d.Index = []byte(`{"metadata":{"total_size":8},"weight_map":{
		"z.weight":"model-00002-of-00002.safetensors",
		"a.weight":"model-00001-of-00002.safetensors",
		"m.weight":"model-00002-of-00002.safetensors"}}`)
	dir := fixture.WriteHFDir(t, d)

	l := NewSafetensors(dir, WithRegistry(toyRegistry()))
	files, err := l.Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	want := []string{
		filepath.Join(dir, "model-00002-of-00002.safetensors"),
		filepath.Join(dir, "model-00001-of-00002.safetensors"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}
	if _, err := l.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestSafetensorsCorruptShard(t *testing.T) {
	t.Parallel()

	dir := fixture.WriteHFDir(t, fixture.DefaultHFDir())
	if err := os.WriteFile(filepath.Join(dir, "model.safetensors"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewSafetensors(dir, WithRegistry(toyRegistry())).Load(context.Background())
	if !errors.Is(err, callm.ErrLoaderFail) || !errors.Is(err, safetensors.ErrInvalidHeader) {
		t.Fatalf("expected shard validation failure, got %v", err)
	}
}

func TestSafetensorsMissingArtifacts(t *testing.T) {
	t.Parallel()

	noTokenizer := fixture.DefaultHFDir()
	noTokenizer.Tokenizer = nil
	noConfig := fixture.DefaultHFDir()
	noConfig.Config = nil

	cases := []struct {
		name string
		dir  string
		msg  string
	}{
		{name: "tokenizer", dir: fixture.WriteHFDir(t, noTokenizer), msg: "tokenizer file"},
		{name: "config", dir: fixture.WriteHFDir(t, noConfig), msg: "model config file"},
		{name: "weights", dir: t.TempDir(), msg: "model.safetensors"},
	}
	for _, tc := range cases {
		_, err := NewSafetensors(tc.dir).Load(context.Background())
		if !errors.Is(err, callm.ErrLoaderFail) || !strings.Contains(err.Error(), tc.msg) {
			t.Fatalf("%s: expected loader failure mentioning %q, got %v", tc.name, tc.msg, err)
		}
	}
}

func TestReadModelConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		config  string
		wantErr string
		arch    string
		eos     int
	}{
		{name: "llama eos fix", config: `{"architectures":["LlamaForCausalLM"],"bos_token_id":128000,"eos_token_id":128001}`, arch: "llama", eos: 128009},
		{name: "qwen2 untouched", config: `{"architectures":["Qwen2ForCausalLM"],"bos_token_id":1,"eos_token_id":128001}`, arch: "qwen2", eos: 128001},
		{name: "unsupported class", config: `{"architectures":["GPT2LMHeadModel"],"bos_token_id":1,"eos_token_id":2}`, arch: "", eos: 2},
		{name: "missing bos", config: `{"architectures":["LlamaForCausalLM"],"eos_token_id":2}`, wantErr: "Missing BOS token ID in model config"},
		{name: "float bos", config: `{"architectures":["LlamaForCausalLM"],"bos_token_id":1.5,"eos_token_id":2}`, wantErr: "Model config BOS token ID is not an integer"},
		{name: "missing eos", config: `{"architectures":["LlamaForCausalLM"],"bos_token_id":1}`, wantErr: "Missing EOS token ID in model config"},
		{name: "eos list", config: `{"architectures":["LlamaForCausalLM"],"bos_token_id":1,"eos_token_id":[2,3]}`, wantErr: "Model config EOS token ID is not an integer"},
		{name: "missing architectures", config: `{"bos_token_id":1,"eos_token_id":2}`, wantErr: "Missing architecture in model config"},
		{name: "architectures not array", config: `{"architectures":"LlamaForCausalLM","bos_token_id":1,"eos_token_id":2}`, wantErr: "Model config architectures is not an array"},
		{name: "empty architectures", config: `{"architectures":[],"bos_token_id":1,"eos_token_id":2}`, wantErr: "Empty architectures array in model config"},
		{name: "architecture not string", config: `{"architectures":[7],"bos_token_id":1,"eos_token_id":2}`, wantErr: "Model architecture in model config is not a string"},
		{name: "not an object", config: `[1,2]`, wantErr: "Unknown model config format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tc.config), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			cfg, err := readModelConfig(path)
			if tc.wantErr != "" {
				if !errors.Is(err, callm.ErrLoaderFail) || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if cfg.Arch != tc.arch || cfg.EOSID != tc.eos {
				t.Fatalf("arch/eos = %q/%d, want %q/%d", cfg.Arch, cfg.EOSID, tc.arch, tc.eos)
			}
		})
	}
}

func TestSafetensorsUnsupportedClass(t *testing.T) {
	t.Parallel()

	d := fixture.DefaultHFDir()
	d.Config = []byte(`{"architectures":["GPT2LMHeadModel"],"bos_token_id":256,"eos_token_id":257}`)
	l := NewSafetensors(fixture.WriteHFDir(t, d), WithRegistry(toyRegistry()))
	if _, err := l.Load(context.Background()); !errors.Is(err, callm.ErrUnsupportedModel) {
		t.Fatalf("expected unsupported model, got %v", err)
	}
	if _, err := l.Tokenizer(); err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
}

func TestReadChatTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		name string
		body string
		want *string
	}{
		{name: "string", body: `{"chat_template":"{{ x }}"}`, want: ptr("{{ x }}")},
		{name: "named list", body: `{"chat_template":[{"name":"tool_use","template":"t"},{"name":"default","template":"d"}]}`, want: ptr("d")},
		{name: "absent", body: `{"model_max_length":4096}`},
	}
	for _, tc := range cases {
		path := filepath.Join(dir, tc.name+".json")
		if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := readChatTemplate(path)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", tc.name, diff)
		}
	}

	got, err := readChatTemplate(filepath.Join(dir, "missing.json"))
	if err != nil || got != nil {
		t.Fatalf("missing file: got %v, %v", got, err)
	}
}

func ptr[T any](v T) *T { return &v }
