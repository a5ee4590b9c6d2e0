/*
Package config loads ledgerflow service configuration.

Configuration is layered: built-in defaults, then an optional YAML or JSON
file, then environment variables.

	env, err := config.ParseEnv()
	if err != nil {
	    return err
	}
	settings, err := config.Load("ledgerflow.yaml", env)

A missing file is not an error; the defaults apply. Provider API keys come
from OPENAI_API_KEY, ANTHROPIC_API_KEY, XAI_API_KEY and DEEPSEEK_API_KEY and
override any key in the file.

# File Layout

	database: ledgerflow.db
	listen: ":8080"
	log:
	  level: info
	  format: json
	dispatcher:
	  breaker_threshold: 3
	  breaker_cooldown: 30s
	executor:
	  cooldown: 5m
	  thresholds: {low: 60, medium: 70, high: 80, critical: 90}
	providers:
	  - id: openai
	    kind: openai
	    model: gpt-4o-mini
	    priority: 1

# Typed Access

Config wraps a decoded document. Accessors never fail; they return the
supplied default when a key is missing or has the wrong type. Durations
accept "30s" style strings or bare seconds.
*/
package config
