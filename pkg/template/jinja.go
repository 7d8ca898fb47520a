package template

import (
	"errors"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"

	"github.com/MistApproach/callm/pkg/callm"
)

// Jinja renders messages through a Jinja chat template such as the ones
// shipped in tokenizer_config.json or tokenizer.chat_template.
type Jinja struct {
	markers
	source              string
	tpl                 *exec.Template
	addGenerationPrompt bool
}

// NewJinja parses source. Generation prompts are enabled by default.
func NewJinja(source string) (*Jinja, error) {
	tpl, err := gonja.FromString(source)
	if err != nil {
		return nil, callm.TemplateError("parse chat template", err)
	}
	return &Jinja{source: source, tpl: tpl, addGenerationPrompt: true}, nil
}

// Source returns the template text.
func (j *Jinja) Source() string { return j.source }

// SetAddGenerationPrompt controls the add_generation_prompt variable.
func (j *Jinja) SetAddGenerationPrompt(v bool) { j.addGenerationPrompt = v }

func (j *Jinja) Apply(msgs []Message) (string, error) {
	items := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		items[i] = map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
	}
	bos, _ := j.BOS()
	eos, _ := j.EOS()
	ctx := exec.NewContext(map[string]any{
		"messages":              items,
		"bos_token":             bos,
		"eos_token":             eos,
		"add_generation_prompt": j.addGenerationPrompt,
		"raise_exception":       raiseException,
	})
	out, err := j.tpl.ExecuteToString(ctx)
	if err != nil {
		return "", callm.TemplateError("render chat template", err)
	}
	return out, nil
}

func raiseException(msg string) (string, error) {
	return "", errors.New(msg)
}
