package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Thresholds are the minimum confidence per impact level.
type Thresholds struct {
	Low      float64 `validate:"gte=0,lte=100"`
	Medium   float64 `validate:"gte=0,lte=100"`
	High     float64 `validate:"gte=0,lte=100"`
	Critical float64 `validate:"gte=0,lte=100"`
}

// ProviderSettings configures one AI provider.
type ProviderSettings struct {
	ID                 string `validate:"required"`
	Kind               string `validate:"required"`
	Model              string `validate:"required"`
	BaseURL            string
	APIKey             string
	Priority           int     `validate:"gte=0"`
	MaxRetries         int     `validate:"gte=0"`
	RequestsPerMinute  int     `validate:"gte=0"`
	DailyTokenLimit    int64   `validate:"gte=0"`
	CostPerToken       float64 `validate:"gte=0"`
	InputCostPerToken  float64 `validate:"gte=0"`
	OutputCostPerToken float64 `validate:"gte=0"`
}

// Settings is the typed service configuration.
type Settings struct {
	Database  string
	Listen    string
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	OTLPEndpoint string

	HistorySize int           `validate:"gt=0"`
	SnapshotTTL time.Duration `validate:"gt=0"`

	// BroadcastInterval paces the periodic state broadcasts. Zero disables
	// them.
	BroadcastInterval time.Duration `validate:"gte=0"`

	RateLimitWindow     time.Duration `validate:"gt=0"`
	BreakerThreshold    int           `validate:"gt=0"`
	BreakerCooldown     time.Duration `validate:"gt=0"`
	FallbackActivation  int           `validate:"gt=0"`
	FallbackProvider    string
	ProviderConcurrency int           `validate:"gt=0"`
	UsageInterval       time.Duration `validate:"gt=0"`
	HealthCheckInterval time.Duration `validate:"gt=0"`

	RouterWorkers   int `validate:"gt=0"`
	RouterQueueSize int `validate:"gt=0"`

	ExecutorCooldown time.Duration `validate:"gte=0"`
	Thresholds       Thresholds

	Providers []ProviderSettings `validate:"dive"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		Database:            "ledgerflow.db",
		Listen:              ":8080",
		LogLevel:            "info",
		LogFormat:           "text",
		HistorySize:         1000,
		SnapshotTTL:         30 * time.Second,
		BroadcastInterval:   10 * time.Second,
		RateLimitWindow:     60 * time.Second,
		BreakerThreshold:    3,
		BreakerCooldown:     30 * time.Second,
		FallbackActivation:  3,
		FallbackProvider:    "grok",
		ProviderConcurrency: 3,
		UsageInterval:       30 * time.Second,
		HealthCheckInterval: 5 * time.Minute,
		RouterWorkers:       2,
		RouterQueueSize:     64,
		ExecutorCooldown:    5 * time.Minute,
		Thresholds: Thresholds{
			Low:      60,
			Medium:   70,
			High:     80,
			Critical: 90,
		},
		Providers: DefaultProviders(),
	}
}

// DefaultProviders lists the built-in provider configuration. API keys are
// filled from the environment.
func DefaultProviders() []ProviderSettings {
	return []ProviderSettings{
		{
			ID: "anthropic", Kind: "anthropic", Model: "claude-3-5-sonnet-20241022",
			BaseURL: "https://api.anthropic.com/v1", Priority: 1, MaxRetries: 1,
			RequestsPerMinute: 50, DailyTokenLimit: 1_000_000,
			InputCostPerToken: 0.000003, OutputCostPerToken: 0.000015,
		},
		{
			ID: "openai", Kind: "openai", Model: "gpt-4o-mini",
			Priority: 2, MaxRetries: 1,
			RequestsPerMinute: 60, DailyTokenLimit: 1_000_000,
			InputCostPerToken: 0.00000015, OutputCostPerToken: 0.0000006,
		},
		{
			ID: "deepseek", Kind: "openai", Model: "deepseek-chat",
			BaseURL: "https://api.deepseek.com/v1", Priority: 3, MaxRetries: 1,
			RequestsPerMinute: 60, DailyTokenLimit: 2_000_000,
			CostPerToken: 0.0000003,
		},
		{
			ID: "grok", Kind: "openai", Model: "grok-2-latest",
			BaseURL: "https://api.x.ai/v1", Priority: 4, MaxRetries: 1,
			RequestsPerMinute: 30, DailyTokenLimit: 500_000,
			CostPerToken: 0.000005,
		},
	}
}

// Load builds Settings from defaults, then the config file at path (if
// non-empty), then the environment overrides in e.
func Load(path string, e Env) (*Settings, error) {
	s := Default()

	if path == "" {
		path = e.ConfigPath
	}
	if path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			s.apply(cfg)
		}
	}

	s.overlay(e)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromConfig applies a parsed document on top of the defaults.
func FromConfig(cfg Config) (*Settings, error) {
	s := Default()
	s.apply(cfg)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks field constraints.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func (s *Settings) apply(cfg Config) {
	s.Database = cfg.String("database", s.Database)
	s.Listen = cfg.String("listen", s.Listen)

	logCfg := cfg.Sub("log")
	s.LogLevel = logCfg.String("level", s.LogLevel)
	s.LogFormat = logCfg.String("format", s.LogFormat)

	busCfg := cfg.Sub("bus")
	s.HistorySize = busCfg.Int("history_size", s.HistorySize)
	s.BroadcastInterval = busCfg.Duration("broadcast_interval", s.BroadcastInterval)

	hubCfg := cfg.Sub("hub")
	s.SnapshotTTL = hubCfg.Duration("snapshot_ttl", s.SnapshotTTL)

	dispCfg := cfg.Sub("dispatcher")
	s.RateLimitWindow = dispCfg.Duration("rate_limit_window", s.RateLimitWindow)
	s.BreakerThreshold = dispCfg.Int("breaker_threshold", s.BreakerThreshold)
	s.BreakerCooldown = dispCfg.Duration("breaker_cooldown", s.BreakerCooldown)
	s.FallbackActivation = dispCfg.Int("fallback_activation", s.FallbackActivation)
	s.FallbackProvider = dispCfg.String("fallback_provider", s.FallbackProvider)
	s.ProviderConcurrency = dispCfg.Int("concurrency", s.ProviderConcurrency)
	s.UsageInterval = dispCfg.Duration("usage_interval", s.UsageInterval)
	s.HealthCheckInterval = dispCfg.Duration("health_check_interval", s.HealthCheckInterval)

	routerCfg := cfg.Sub("router")
	s.RouterWorkers = routerCfg.Int("workers", s.RouterWorkers)
	s.RouterQueueSize = routerCfg.Int("queue_size", s.RouterQueueSize)

	execCfg := cfg.Sub("executor")
	s.ExecutorCooldown = execCfg.Duration("cooldown", s.ExecutorCooldown)
	th := execCfg.Sub("thresholds")
	s.Thresholds.Low = th.Float("low", s.Thresholds.Low)
	s.Thresholds.Medium = th.Float("medium", s.Thresholds.Medium)
	s.Thresholds.High = th.Float("high", s.Thresholds.High)
	s.Thresholds.Critical = th.Float("critical", s.Thresholds.Critical)

	if providers := cfg.List("providers"); len(providers) > 0 {
		s.Providers = make([]ProviderSettings, 0, len(providers))
		for _, p := range providers {
			s.Providers = append(s.Providers, ProviderSettings{
				ID:                 p.String("id", ""),
				Kind:               p.String("kind", "openai"),
				Model:              p.String("model", ""),
				BaseURL:            p.String("base_url", ""),
				APIKey:             p.String("api_key", ""),
				Priority:           p.Int("priority", 0),
				MaxRetries:         p.Int("max_retries", 1),
				RequestsPerMinute:  p.Int("requests_per_minute", 0),
				DailyTokenLimit:    p.Int64("daily_token_limit", 0),
				CostPerToken:       p.Float("cost_per_token", 0),
				InputCostPerToken:  p.Float("input_cost_per_token", 0),
				OutputCostPerToken: p.Float("output_cost_per_token", 0),
			})
		}
	}
}

func (s *Settings) overlay(e Env) {
	if e.Database != "" {
		s.Database = e.Database
	}
	if e.Listen != "" {
		s.Listen = e.Listen
	}
	if e.LogLevel != "" {
		s.LogLevel = e.LogLevel
	}
	if e.LogFormat != "" {
		s.LogFormat = e.LogFormat
	}
	if e.OTLPEndpoint != "" {
		s.OTLPEndpoint = e.OTLPEndpoint
	}
	for i := range s.Providers {
		if key := e.apiKeyFor(s.Providers[i].ID); key != "" {
			s.Providers[i].APIKey = key
		}
	}
}
