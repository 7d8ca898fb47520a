// Package template renders chat message sequences into prompt text.
package template

// Role names the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Template turns a conversation into a single prompt string. The BOS and
// EOS markers are token texts; the loader may set them after construction.
type Template interface {
	Apply(msgs []Message) (string, error)
	BOS() (string, bool)
	EOS() (string, bool)
	SetBOS(token string)
	SetEOS(token string)
}

type markers struct {
	bos *string
	eos *string
}

func (m *markers) BOS() (string, bool) {
	if m.bos == nil {
		return "", false
	}
	return *m.bos, true
}

func (m *markers) EOS() (string, bool) {
	if m.eos == nil {
		return "", false
	}
	return *m.eos, true
}

func (m *markers) SetBOS(token string) { m.bos = &token }

func (m *markers) SetEOS(token string) { m.eos = &token }
