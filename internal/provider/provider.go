package provider

import "context"

// Message is a single turn of the payload handed to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-agnostic completion payload.
type Request struct {
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Result is what a backend returns for one completion.
type Result struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// Client is the only contract the router depends on. Concrete vendor SDKs
// live behind it and never leak into routing logic.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
	CheckHealth(ctx context.Context) bool
}

// Profile is the static contract for one backend. Profiles are built once
// from configuration at startup and never mutated afterwards.
type Profile struct {
	Name              string
	CostPer1MTokens   float64
	AvgLatencySeconds float64

	SupportsReasoning bool
	SupportsVision    bool
	IsFree            bool

	// Local marks the always-eligible fallback. It is never quota-checked
	// and never breaker-gated.
	Local bool

	RequestsPerMinute  int
	RequestsPerDay     int
	TokensPerMonth     int64
	CostCapPerMonthUSD float64

	Priority int
}

// CostUSD returns the cost of the given token count at this profile's rate.
func (p Profile) CostUSD(tokens int64) float64 {
	if p.IsFree || p.CostPer1MTokens <= 0 || tokens <= 0 {
		return 0
	}
	return float64(tokens) * p.CostPer1MTokens / 1_000_000
}

// HasQuota reports whether any quota ceiling is configured for the profile.
func (p Profile) HasQuota() bool {
	return p.RequestsPerMinute > 0 || p.RequestsPerDay > 0 || p.TokensPerMonth > 0 || p.CostCapPerMonthUSD > 0
}
