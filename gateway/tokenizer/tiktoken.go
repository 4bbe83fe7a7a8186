package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/modelgate/gateway"
)

// modelEncodings maps OpenAI model families to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

func encodingForModel(model string) (string, bool) {
	if enc, ok := modelEncodings[model]; ok {
		return enc, true
	}
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			return enc, true
		}
	}
	return "", false
}

// Counter counts tokens exactly for models tiktoken knows about and
// falls back to the heuristic estimator otherwise. Encodings are
// initialized lazily because tiktoken may download data on first use.
type Counter struct {
	estimator *Estimator

	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter builds a Counter backed by the heuristic estimator.
func NewCounter() *Counter {
	return &Counter{
		estimator: NewEstimator(),
		encodings: make(map[string]*tiktoken.Tiktoken),
	}
}

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	name, ok := encodingForModel(model)
	if !ok {
		return nil, fmt.Errorf("no tiktoken encoding for model %s", model)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("init tiktoken encoding %s: %w", name, err)
	}
	c.encodings[name] = enc
	return enc, nil
}

// CountMessages returns prompt tokens for model, exact when possible.
func (c *Counter) CountMessages(model string, msgs []gateway.Message) int {
	enc, err := c.encoding(model)
	if err != nil {
		return c.estimator.CountMessages(msgs)
	}

	// Per-message overhead: <|start|>role\n content<|end|>\n.
	total := 3
	for _, m := range msgs {
		total += 4
		total += len(enc.Encode(m.Content, nil, nil))
		total += len(enc.Encode(string(m.Role), nil, nil))
	}
	return total
}

// CountCompletion returns completion tokens for model, exact when
// possible.
func (c *Counter) CountCompletion(model, content string) int {
	if content == "" {
		return 0
	}
	enc, err := c.encoding(model)
	if err != nil {
		return c.estimator.CountCompletion(content)
	}
	return len(enc.Encode(content, nil, nil))
}

// EstimateUsage fills a usage block for a finished request.
func (c *Counter) EstimateUsage(req *gateway.ChatRequest, completion string) gateway.ChatUsage {
	prompt := c.CountMessages(req.Model, req.Messages)
	comp := c.CountCompletion(req.Model, completion)
	return gateway.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: comp,
		TotalTokens:      prompt + comp,
	}
}
