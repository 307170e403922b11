package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omniroute/omniroute/internal/provider"
	"github.com/omniroute/omniroute/internal/router"
	"github.com/omniroute/omniroute/internal/telemetry"
)

const maxRouteBodyBytes = 1 << 20

type routeRequest struct {
	TaskType        string           `json:"task_type"`
	EstimatedTokens int64            `json:"estimated_tokens"`
	CustomerID      string           `json:"customer_id"`
	MaxLatencyMS    int64            `json:"max_latency_ms"`
	Payload         provider.Request `json:"payload"`
}

type attemptResponse struct {
	Provider  string `json:"provider"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type routeResponse struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	TaskType   string            `json:"task_type"`
	LatencyMS  int64             `json:"latency_ms"`
	CostUSD    float64           `json:"cost_usd"`
	TokensUsed int               `json:"tokens_used"`
	FailedOver bool              `json:"failed_over"`
	Attempts   []attemptResponse `json:"attempts"`
	Result     *provider.Result  `json:"result,omitempty"`
}

type exhaustedResponse struct {
	Error    string            `json:"error"`
	Attempts []attemptResponse `json:"attempts"`
}

func RouteHandler(route *router.Router, recorder *telemetry.Recorder, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRouteBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(body) > maxRouteBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		var payload routeRequest
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if len(payload.Payload.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "payload.messages cannot be empty")
			return
		}
		if payload.EstimatedTokens < 0 {
			writeError(w, http.StatusBadRequest, "estimated_tokens cannot be negative")
			return
		}
		if payload.MaxLatencyMS < 0 {
			writeError(w, http.StatusBadRequest, "max_latency_ms cannot be negative")
			return
		}

		taskType, err := router.ParseTaskType(payload.TaskType)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		estimated := payload.EstimatedTokens
		if estimated == 0 {
			estimated = EstimateTokens(payload.Payload.Messages)
		}

		decision, err := route.Route(r.Context(), router.Request{
			TaskType:        taskType,
			EstimatedTokens: estimated,
			CustomerID:      strings.TrimSpace(payload.CustomerID),
			MaxLatency:      time.Duration(payload.MaxLatencyMS) * time.Millisecond,
			Payload:         payload.Payload,
		})
		if err != nil {
			var exhausted *router.ExhaustedError
			switch {
			case errors.As(err, &exhausted):
				if recorder != nil {
					recorder.RecordExhausted(uuid.NewString(), taskType, exhausted.Attempts)
				}
				writeJSON(w, http.StatusBadGateway, exhaustedResponse{
					Error:    exhausted.Error(),
					Attempts: toAttemptResponses(exhausted.Attempts),
				})
			case errors.Is(err, context.Canceled):
				// Client went away; nothing useful to write.
				writeError(w, http.StatusBadRequest, "request cancelled")
			default:
				logger.Error("route request failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		if recorder != nil {
			recorder.RecordDecision(decision)
		}
		writeJSON(w, http.StatusOK, routeResponse{
			ID:         decision.ID,
			Provider:   decision.Provider,
			TaskType:   string(decision.TaskType),
			LatencyMS:  decision.Latency.Milliseconds(),
			CostUSD:    decision.CostUSD,
			TokensUsed: decision.TokensUsed,
			FailedOver: decision.FailedOver,
			Attempts:   toAttemptResponses(decision.Attempts),
			Result:     decision.Result,
		})
	})
}

func toAttemptResponses(attempts []router.Attempt) []attemptResponse {
	out := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attemptResponse{
			Provider:  attempt.Provider,
			Outcome:   string(attempt.Outcome),
			Error:     attempt.Error,
			LatencyMS: attempt.Latency.Milliseconds(),
		})
	}
	return out
}
