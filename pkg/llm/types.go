package llm

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single-shot chat request against one model.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
}

// UserRequest builds a request holding a single user message.
func UserRequest(model, prompt string) *Request {
	return &Request{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
	}
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	Model     string `json:"model,omitempty"`
	Usage     Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
// Estimated is set when the counts were computed locally rather than
// reported by the provider.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

// Delta represents an incremental update during streaming.
// The final delta of a stream may carry Usage; a delta with Err set
// terminates the stream.
type Delta struct {
	Content string `json:"content,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}
