package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MistApproach/callm/pkg/callm"
)

const llama3Template = "{{ bos_token }}{% for message in messages %}" +
	"<|start_header_id|>{{ message['role'] }}<|end_header_id|>\n\n{{ message['content'] }}<|eot_id|>" +
	"{% endfor %}{% if add_generation_prompt %}<|start_header_id|>assistant<|end_header_id|>\n\n{% endif %}"

func vocabLookup(tokens []string) func(int) (string, bool) {
	return func(id int) (string, bool) {
		if id < 0 || id >= len(tokens) {
			return "", false
		}
		return tokens[id], true
	}
}

func ptr[T any](v T) *T { return &v }

func TestPassthroughFirstMessageOnly(t *testing.T) {
	t.Parallel()

	p := NewPassthrough()
	got, err := p.Apply([]Message{
		{Role: RoleSystem, Content: "first"},
		{Role: RoleUser, Content: "second"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "first" {
		t.Fatalf("apply = %q, want %q", got, "first")
	}

	if _, err := p.Apply(nil); !errors.Is(err, callm.ErrTemplate) {
		t.Fatalf("expected template error for empty messages, got %v", err)
	}
}

func TestJinjaLlama3(t *testing.T) {
	t.Parallel()

	tokens := []string{"<|begin_of_text|>", "<|eot_id|>"}
	tpl, err := Resolve(ptr(llama3Template), ptr(0), ptr(1), vocabLookup(tokens))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := tpl.(*Jinja); !ok {
		t.Fatalf("expected *Jinja, got %T", tpl)
	}

	got, err := tpl.Apply([]Message{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Hi"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := "<|begin_of_text|>" +
		"<|start_header_id|>system<|end_header_id|>\n\nBe brief.<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nHi<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("render mismatch (-want +got):\n%s", diff)
	}

	tpl.(*Jinja).SetAddGenerationPrompt(false)
	got, err = tpl.Apply([]Message{{Role: RoleUser, Content: "Hi"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want = "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nHi<|eot_id|>"
	if got != want {
		t.Fatalf("render without generation prompt = %q, want %q", got, want)
	}
}

func TestJinjaErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewJinja("{% for x in %}"); !errors.Is(err, callm.ErrTemplate) {
		t.Fatalf("expected template error for bad syntax, got %v", err)
	}

	tpl, err := NewJinja("{% if messages[0]['role'] != 'user' %}{{ raise_exception('first message must be from the user') }}{% endif %}ok")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := tpl.Apply([]Message{{Role: RoleAssistant, Content: "x"}}); !errors.Is(err, callm.ErrTemplate) {
		t.Fatalf("expected template error from raise_exception, got %v", err)
	}
	got, err := tpl.Apply([]Message{{Role: RoleUser, Content: "x"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "ok" {
		t.Fatalf("apply = %q, want %q", got, "ok")
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tokens := []string{"<s>", "</s>"}
	cases := []struct {
		name    string
		source  *string
		bos     *int
		eos     *int
		wantBOS string
		wantEOS string
		hasBOS  bool
		hasEOS  bool
	}{
		{name: "fallback with markers", bos: ptr(0), eos: ptr(1), wantBOS: "<s>", wantEOS: "</s>", hasBOS: true, hasEOS: true},
		{name: "no markers"},
		{name: "eos out of vocabulary", eos: ptr(7)},
		{name: "jinja eos only", source: ptr("{{ eos_token }}"), eos: ptr(1), wantEOS: "</s>", hasEOS: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tpl, err := Resolve(tc.source, tc.bos, tc.eos, vocabLookup(tokens))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if _, isJinja := tpl.(*Jinja); isJinja != (tc.source != nil) {
				t.Fatalf("unexpected template type %T", tpl)
			}
			bos, ok := tpl.BOS()
			if ok != tc.hasBOS || bos != tc.wantBOS {
				t.Fatalf("BOS() = %q, %v; want %q, %v", bos, ok, tc.wantBOS, tc.hasBOS)
			}
			eos, ok := tpl.EOS()
			if ok != tc.hasEOS || eos != tc.wantEOS {
				t.Fatalf("EOS() = %q, %v; want %q, %v", eos, ok, tc.wantEOS, tc.hasEOS)
			}
		})
	}
}

func TestSetMarkersAfterConstruction(t *testing.T) {
	t.Parallel()

	tpl, err := Resolve(ptr("{{ bos_token }}|{{ eos_token }}"), nil, nil, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tpl.SetBOS("<s>")
	tpl.SetEOS("</s>")
	got, err := tpl.Apply(nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "<s>|</s>" {
		t.Fatalf("apply = %q, want %q", got, "<s>|</s>")
	}
}

func TestParseMessages(t *testing.T) {
	t.Parallel()

	want := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hello"},
	}
	cases := []struct {
		name string
		raw  string
	}{
		{name: "array", raw: `[{"role":"system","content":"sys"},{"role":"user","content":"hello"}]`},
		{name: "object", raw: `{"messages":[{"role":"system","content":"sys"},{"role":"user","content":"hello"}]}`},
	}
	for _, tc := range cases {
		got, err := ParseMessages([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s: mismatch (-want +got):\n%s", tc.name, diff)
		}
	}

	for _, raw := range []string{`{"other":[]}`, `"text"`, `[{"content":"no role"}]`, `{"messages":{}}`} {
		if _, err := ParseMessages([]byte(raw)); !errors.Is(err, callm.ErrGeneric) {
			t.Fatalf("ParseMessages(%s): expected generic error, got %v", raw, err)
		}
	}
	if _, err := ParseMessages([]byte(`[`)); !errors.Is(err, callm.ErrSerde) {
		t.Fatalf("expected serde error, got %v", err)
	}
}

func TestLoadMessagesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.json")
	if err := os.WriteFile(path, []byte(`[{"role":"user","content":"hi"}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgs, err := LoadMessagesFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}
