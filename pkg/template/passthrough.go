package template

import "github.com/MistApproach/callm/pkg/callm"

// Passthrough is used when a model ships no chat template. Apply returns
// the first message's content unchanged and ignores the rest.
type Passthrough struct {
	markers
}

func NewPassthrough() *Passthrough { return &Passthrough{} }

func (p *Passthrough) Apply(msgs []Message) (string, error) {
	if len(msgs) == 0 {
		return "", callm.TemplateError("no messages", nil)
	}
	return msgs[0].Content, nil
}
