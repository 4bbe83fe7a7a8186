// Package tokenizer provides token counting for requests whose
// upstream never reports usage. The heuristic estimator is the
// baseline; an exact tiktoken counter covers OpenAI-family models and
// falls back to the heuristic for everything else.
package tokenizer

import (
	"math"

	"github.com/BaSui01/modelgate/gateway"
)

const (
	// messageOverheadChars approximates the per-message structural
	// overhead (role, separators), roughly ten tokens.
	messageOverheadChars = 40

	minPromptTokens     = 10
	minCompletionTokens = 1
)

// Estimator counts tokens with a character-class heuristic: CJK runs
// about 1.5 chars per token, everything else about 4.
type Estimator struct{}

// NewEstimator returns the heuristic estimator.
func NewEstimator() *Estimator { return &Estimator{} }

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FA5
}

// estimateChars converts character counts to tokens, rounding any
// partial trailing token up.
func estimateChars(cjk, other int) int {
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4.0))
}

// CountText estimates tokens in a bare string. Empty text is zero.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := estimateChars(cjk, other)
	if tokens < minCompletionTokens {
		return minCompletionTokens
	}
	return tokens
}

// CountMessages estimates prompt tokens for a conversation, adding
// structural overhead per message. Never returns less than ten.
func (e *Estimator) CountMessages(msgs []gateway.Message) int {
	var cjk, other int
	for _, m := range msgs {
		for _, r := range m.Content {
			if isCJK(r) {
				cjk++
			} else {
				other++
			}
		}
		other += messageOverheadChars
	}
	tokens := estimateChars(cjk, other)
	if tokens < minPromptTokens {
		return minPromptTokens
	}
	return tokens
}

// CountCompletion estimates completion tokens. Empty output is zero,
// any non-empty output at least one.
func (e *Estimator) CountCompletion(content string) int {
	return e.CountText(content)
}

// EstimateUsage fills a usage block for a finished request from the
// request messages and accumulated completion text.
func (e *Estimator) EstimateUsage(req *gateway.ChatRequest, completion string) gateway.ChatUsage {
	prompt := e.CountMessages(req.Messages)
	comp := e.CountCompletion(completion)
	return gateway.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: comp,
		TotalTokens:      prompt + comp,
	}
}
