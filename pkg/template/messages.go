package template

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/MistApproach/callm/pkg/callm"
)

// LoadMessagesFile reads a JSON file that is either a messages array or an
// object with a "messages" field.
func LoadMessagesFile(path string) ([]Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, callm.IO(err)
	}
	return ParseMessages(raw)
}

// ParseMessages decodes the formats accepted by LoadMessagesFile.
func ParseMessages(raw []byte) ([]Message, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, callm.Serde("messages json", err)
	}
	switch v := payload.(type) {
	case []any:
		return decodeMessages(v)
	case map[string]any:
		msgs, ok := v["messages"]
		if !ok {
			return nil, callm.Generic(`messages json object missing "messages" field`)
		}
		list, ok := msgs.([]any)
		if !ok {
			return nil, callm.Generic("messages field must be an array")
		}
		return decodeMessages(list)
	default:
		return nil, callm.Generic("messages json must be array or object")
	}
}

func decodeMessages(items []any) ([]Message, error) {
	msgs := make([]Message, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, callm.Generic(fmt.Sprintf("message %d is not an object", i))
		}
		role, _ := obj["role"].(string)
		content, _ := obj["content"].(string)
		if role == "" {
			return nil, callm.Generic(fmt.Sprintf("message %d has no role", i))
		}
		msgs = append(msgs, Message{Role: Role(role), Content: content})
	}
	return msgs, nil
}
