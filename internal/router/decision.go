package router

import (
	"fmt"
	"time"

	"github.com/omniroute/omniroute/internal/provider"
)

// AttemptOutcome tags the result of one step in the failover chain.
type AttemptOutcome string

const (
	OutcomeSuccess       AttemptOutcome = "success"
	OutcomeQuotaRefused  AttemptOutcome = "quota_refused"
	OutcomeRemoteFailure AttemptOutcome = "remote_failure"
)

// Attempt is one entry in the failover chain for a single request.
type Attempt struct {
	Provider string         `json:"provider"`
	Outcome  AttemptOutcome `json:"outcome"`
	Error    string         `json:"error,omitempty"`
	Latency  time.Duration  `json:"latency_ns,omitempty"`
}

// Decision is the terminal success record for one routed request. The
// attempt sequence names every provider tried, in order, for attribution
// and diagnostics.
type Decision struct {
	ID         string           `json:"id"`
	Provider   string           `json:"provider"`
	TaskType   TaskType         `json:"task_type"`
	Attempts   []Attempt        `json:"attempts"`
	Latency    time.Duration    `json:"latency_ns"`
	CostUSD    float64          `json:"cost_usd"`
	TokensUsed int              `json:"tokens_used"`
	FailedOver bool             `json:"failed_over"`
	CreatedAt  time.Time        `json:"created_at"`
	Result     *provider.Result `json:"result,omitempty"`
}

// ExhaustedError is raised only after every remote candidate and the local
// fallback have failed. It carries the full attempt sequence.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted after %d attempts", len(e.Attempts))
}
