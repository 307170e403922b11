package provider

import (
	"context"
	"strings"
)

// LocalClient is the last-resort backend. It answers every request from the
// local process with a canned completion so the failover chain always has a
// terminal candidate. It only fails when the caller's context is done.
type LocalClient struct {
	Model string
}

func NewLocalClient(model string) *LocalClient {
	if model == "" {
		model = "local-fallback"
	}
	return &LocalClient{Model: model}
}

func (c *LocalClient) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var prompt strings.Builder
	for _, message := range req.Messages {
		prompt.WriteString(message.Content)
		prompt.WriteByte('\n')
	}

	content := "Service is degraded; this is a locally generated response. Please retry shortly."
	inputTokens := approximateTokens(prompt.String())
	outputTokens := approximateTokens(content)

	return &Result{
		Model:        c.Model,
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	}, nil
}

func (c *LocalClient) CheckHealth(context.Context) bool { return true }

// approximateTokens uses the rough four-characters-per-token heuristic. The
// local backend is free, so precision does not affect quota or cost.
func approximateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}
