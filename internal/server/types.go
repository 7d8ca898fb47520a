package server

type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Timing struct {
	DurationMS      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type GenerationResponse struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	Model      string `json:"model,omitempty"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
	Timing     Timing `json:"timing"`
}

type ModelResponse struct {
	Object       string   `json:"object"`
	Format       string   `json:"format"`
	Location     string   `json:"location"`
	Files        []string `json:"files"`
	Architecture string   `json:"architecture"`
	Name         string   `json:"name,omitempty"`
	VocabSize    int      `json:"vocab_size"`
	BOS          string   `json:"bos_token,omitempty"`
	EOS          string   `json:"eos_token,omitempty"`
	ChatTemplate bool     `json:"chat_template"`
	Loaded       bool     `json:"loaded"`
	Sampling     Sampling `json:"sampling"`
}

type Sampling struct {
	Policy      string   `json:"policy"`
	Temperature float64  `json:"temperature"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *uint64  `json:"seed,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
