package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds the environment overrides recognised by the service.
type Env struct {
	ConfigPath string `env:"LEDGERFLOW_CONFIG"`
	Database   string `env:"LEDGERFLOW_DB"`
	Listen     string `env:"LEDGERFLOW_LISTEN"`
	LogLevel   string `env:"LEDGERFLOW_LOG_LEVEL"`
	LogFormat  string `env:"LEDGERFLOW_LOG_FORMAT"`

	OpenAIKey    string `env:"OPENAI_API_KEY"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	XAIKey       string `env:"XAI_API_KEY"`
	DeepSeekKey  string `env:"DEEPSEEK_API_KEY"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ParseEnvFrom reads Env from the given variables instead of the process
// environment.
func ParseEnvFrom(vars map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// apiKeyFor maps a provider id to the matching key.
func (e Env) apiKeyFor(providerID string) string {
	switch providerID {
	case "openai":
		return e.OpenAIKey
	case "anthropic":
		return e.AnthropicKey
	case "grok", "xai":
		return e.XAIKey
	case "deepseek":
		return e.DeepSeekKey
	}
	return ""
}
