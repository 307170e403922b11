package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Storage       StorageConfig    `yaml:"storage"`
	Quota         QuotaConfig      `yaml:"quota"`
	Providers     []ProviderConfig `yaml:"providers"`
	Breaker       BreakerConfig    `yaml:"breaker"`
	Route         RouteConfig      `yaml:"route"`
	Customers     []CustomerConfig `yaml:"customers"`
	Observability OTelConfig       `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects the decision-log backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// QuotaConfig selects the quota counter backend. Memory serves a single
// process; postgres shares counters across processes.
type QuotaConfig struct {
	Store string `yaml:"store"`
	DSN   string `yaml:"dsn"`
}

type ProviderConfig struct {
	Name              string  `yaml:"name"`
	Upstream          string  `yaml:"upstream"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	CostPer1MTokens   float64 `yaml:"cost_per_1m_tokens"`
	AvgLatencySeconds float64 `yaml:"avg_latency_seconds"`
	SupportsReasoning bool    `yaml:"supports_reasoning"`
	SupportsVision    bool    `yaml:"supports_vision"`
	Free              bool    `yaml:"free"`
	Local             bool    `yaml:"local"`

	RequestsPerMinute  int     `yaml:"requests_per_minute"`
	RequestsPerDay     int     `yaml:"requests_per_day"`
	TokensPerMonth     int64   `yaml:"tokens_per_month"`
	CostCapPerMonthUSD float64 `yaml:"cost_cap_per_month_usd"`

	Priority int `yaml:"priority"`
}

type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	RecoveryTimeoutSec int `yaml:"recovery_timeout_seconds"`
	SuccessThreshold   int `yaml:"success_threshold"`
}

type RouteConfig struct {
	DispatchTimeoutMS int `yaml:"dispatch_timeout_ms"`
	WriterBufferSize  int `yaml:"writer_buffer_size"`
}

type CustomerConfig struct {
	ID                 string  `yaml:"id"`
	CostCapPerMonthUSD float64 `yaml:"cost_cap_per_month_usd"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "omniroute"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/omniroute.db",
		},
		Quota: QuotaConfig{
			Store: "memory",
		},
		Providers: []ProviderConfig{
			{
				Name:  "local",
				Local: true,
				Free:  true,
				Model: "local-fallback",
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			RecoveryTimeoutSec: 60,
			SuccessThreshold:   2,
		},
		Route: RouteConfig{
			DispatchTimeoutMS: 30000,
			WriterBufferSize:  256,
		},
		Observability: OTelConfig{
			Enabled:                false,
			Endpoint:               defaultOTELEndpoint,
			Insecure:               true,
			ServiceName:            defaultOTELServiceName,
			TracesEnabled:          true,
			MetricsEnabled:         true,
			SamplingRatio:          defaultOTELSamplingRatio,
			ExportTimeoutMS:        defaultOTELExportTimeoutMS,
			MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			// A providers list in the file replaces the default registry
			// rather than appending to it.
			cfg.Providers = nil
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			if len(cfg.Providers) == 0 {
				cfg.Providers = Default().Providers
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the invariants the router relies on at startup. A failure
// here is a configuration error and fatal.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch driver := strings.TrimSpace(cfg.Storage.Driver); driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	switch store := strings.TrimSpace(cfg.Quota.Store); store {
	case "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Quota.DSN) == "" {
			return errors.New("quota.dsn is required when quota.store=postgres")
		}
	default:
		return fmt.Errorf("quota.store must be one of memory, postgres (got %q)", cfg.Quota.Store)
	}

	if len(cfg.Providers) == 0 {
		return errors.New("providers must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	locals := 0
	for idx, p := range cfg.Providers {
		name := fmt.Sprintf("providers[%d]", idx)
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%s.name is required", name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s.name %q is a duplicate", name, p.Name)
		}
		seen[p.Name] = true
		if p.Local {
			locals++
			continue
		}
		if strings.TrimSpace(p.Upstream) != "" {
			parsed, err := url.Parse(strings.TrimSpace(p.Upstream))
			if err != nil {
				return fmt.Errorf("parse %s.upstream: %w", name, err)
			}
			if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
				return fmt.Errorf("%s.upstream must include scheme and host (got %q)", name, p.Upstream)
			}
		}
		if p.CostPer1MTokens < 0 {
			return fmt.Errorf("%s.cost_per_1m_tokens must not be negative", name)
		}
		if p.AvgLatencySeconds < 0 {
			return fmt.Errorf("%s.avg_latency_seconds must not be negative", name)
		}
		if p.RequestsPerMinute < 0 || p.RequestsPerDay < 0 || p.TokensPerMonth < 0 || p.CostCapPerMonthUSD < 0 {
			return fmt.Errorf("%s quota ceilings must not be negative", name)
		}
	}
	if locals != 1 {
		return fmt.Errorf("exactly one provider must set local=true (got %d)", locals)
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0 (got %d)", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeoutSec <= 0 {
		return fmt.Errorf("breaker.recovery_timeout_seconds must be > 0 (got %d)", cfg.Breaker.RecoveryTimeoutSec)
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker.success_threshold must be > 0 (got %d)", cfg.Breaker.SuccessThreshold)
	}
	if cfg.Route.DispatchTimeoutMS <= 0 {
		return fmt.Errorf("route.dispatch_timeout_ms must be > 0 (got %d)", cfg.Route.DispatchTimeoutMS)
	}

	for idx, customer := range cfg.Customers {
		if strings.TrimSpace(customer.ID) == "" {
			return fmt.Errorf("customers[%d].id is required", idx)
		}
		if customer.CostCapPerMonthUSD < 0 {
			return fmt.Errorf("customers[%d].cost_cap_per_month_usd must not be negative", idx)
		}
	}

	if err := validateOTelConfig(cfg.Observability); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.endpoint is required when observability.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.service_name is required when observability.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("OMNIROUTE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("OMNIROUTE_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid OMNIROUTE_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("OMNIROUTE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("OMNIROUTE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("OMNIROUTE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if quotaStore := os.Getenv("OMNIROUTE_QUOTA_STORE"); quotaStore != "" {
		cfg.Quota.Store = quotaStore
	}
	if quotaDSN := os.Getenv("OMNIROUTE_QUOTA_DSN"); quotaDSN != "" {
		cfg.Quota.DSN = quotaDSN
	}

	if dispatchTimeout := os.Getenv("OMNIROUTE_DISPATCH_TIMEOUT_MS"); dispatchTimeout != "" {
		v, err := strconv.Atoi(dispatchTimeout)
		if err != nil {
			return fmt.Errorf("invalid OMNIROUTE_DISPATCH_TIMEOUT_MS: %w", err)
		}
		cfg.Route.DispatchTimeoutMS = v
	}

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.Endpoint = endpoint
		cfg.Observability.Enabled = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.ServiceName = serviceName
	}
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.Enabled = !v
	}

	return nil
}
