package router

import (
	"fmt"
	"time"

	"github.com/omniroute/omniroute/internal/provider"
)

// TaskType biases provider ranking toward the capabilities a request needs.
type TaskType string

const (
	TaskChat          TaskType = "chat"
	TaskReasoning     TaskType = "reasoning"
	TaskSpeedCritical TaskType = "speed_critical"
	TaskDevelopment   TaskType = "development"
)

// ParseTaskType validates a caller-supplied task type string.
func ParseTaskType(raw string) (TaskType, error) {
	switch TaskType(raw) {
	case TaskChat, TaskReasoning, TaskSpeedCritical, TaskDevelopment:
		return TaskType(raw), nil
	case "":
		return TaskChat, nil
	default:
		return "", fmt.Errorf("unknown task type %q", raw)
	}
}

// Request is the routing context for one logical completion request.
type Request struct {
	TaskType        TaskType
	EstimatedTokens int64
	CustomerID      string
	MaxLatency      time.Duration
	Payload         provider.Request
}
