package api

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/omniroute/omniroute/internal/provider"
)

// Token overhead per chat message for role framing and separators.
const perMessageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the prompt token count of a message payload
// when the caller did not supply an estimate. Errors from the tokenizer
// fall back to a bytes-per-token heuristic rather than failing the request.
func EstimateTokens(messages []provider.Message) int64 {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})

	total := int64(0)
	for _, message := range messages {
		if encoding != nil {
			total += int64(len(encoding.Encode(message.Content, nil, nil)))
		} else {
			total += int64(len(message.Content)/4 + 1)
		}
		total += perMessageOverhead
	}
	return total
}
