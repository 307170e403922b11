package api

import (
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/omniroute/omniroute/internal/telemetry"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Recorder      *telemetry.Recorder
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver"`
	DecisionCount int64  `json:"decision_count"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

// HealthHandler serves the liveness summary for the whole process.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		decisionCount := int64(0)
		if options.Recorder != nil {
			if stats, err := options.Recorder.AllStats(r.Context()); err == nil {
				for _, s := range stats {
					decisionCount += s.RequestsMade
				}
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			DecisionCount: decisionCount,
			DBSizeBytes:   dbSizeBytes,
		})
	})
}

// ProvidersHealthHandler serves breaker state and remaining quota for
// every registered provider.
func ProvidersHealthHandler(recorder *telemetry.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if recorder == nil {
			writeError(w, http.StatusServiceUnavailable, "telemetry recorder unavailable")
			return
		}

		snapshots, err := recorder.ProviderHealth(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to derive provider health")
			return
		}

		names := make([]string, 0, len(snapshots))
		for name := range snapshots {
			names = append(names, name)
		}
		sort.Strings(names)

		ordered := make([]telemetry.HealthSnapshot, 0, len(names))
		for _, name := range names {
			ordered = append(ordered, snapshots[name])
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": ordered})
	})
}

// ProviderStatsHandler serves decision-log aggregates, either for every
// provider or for one selected with ?provider=name.
func ProviderStatsHandler(recorder *telemetry.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if recorder == nil {
			writeError(w, http.StatusServiceUnavailable, "telemetry recorder unavailable")
			return
		}

		if name := strings.TrimSpace(r.URL.Query().Get("provider")); name != "" {
			stats, err := recorder.Stats(r.Context(), name)
			if err != nil {
				writeError(w, http.StatusNotFound, "no stats for provider "+name)
				return
			}
			writeJSON(w, http.StatusOK, stats)
			return
		}

		stats, err := recorder.AllStats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query provider stats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": stats})
	})
}
