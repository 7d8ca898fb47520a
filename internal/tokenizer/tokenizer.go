// Package tokenizer builds byte-pair-encoding tokenizers from GGUF metadata
// or a HuggingFace tokenizer.json.
package tokenizer

// TokenTypeControl marks control tokens in tokenizer.ggml.token_type.
const TokenTypeControl = 3

// Tokenizer converts between text and token ids. Implementations are safe
// for concurrent use.
type Tokenizer interface {
	// Encode tokenizes text without adding any special tokens of its own.
	Encode(text string) ([]int, error)
	// Decode renders ids back to text. Special tokens are kept verbatim
	// unless skipSpecial is set.
	Decode(ids []int, skipSpecial bool) (string, error)
	TokenToID(token string) (int, bool)
	IDToToken(id int) (string, bool)
	VocabSize() int
}
