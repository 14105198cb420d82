package schema

import (
	"errors"
	"strings"
	"time"
)

// ServiceConfig defines defaults and limits for the core service.
type ServiceConfig struct {
	// ServerNameTemplate formats the final backend name. Placeholders use {key}.
	ServerNameTemplate      string
	AllowNamedBackends      bool
	StartTimeout            time.Duration
	DefaultPresentationType PresentationType
	Command                 []string
	MaxSlugAttempts         int
	GroupPrefix             string
}

const (
	// DefaultServerNameTemplate names final backends after the dashboard slug.
	DefaultServerNameTemplate = "dash-{urlname}"
	// DefaultStartTimeout bounds one build attempt.
	DefaultStartTimeout = 60 * time.Second
	// DefaultMaxSlugAttempts bounds the slug collision probe.
	DefaultMaxSlugAttempts = 100
	// DefaultGroupPrefix prefixes visitor group names.
	DefaultGroupPrefix = "dash-"
)

// DefaultCommand is the process command handed to the spawner.
func DefaultCommand() []string {
	return []string{"python3", "-m", "jhsingle_native_proxy.main"}
}

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	cfg.ServerNameTemplate = strings.TrimSpace(cfg.ServerNameTemplate)
	if cfg.ServerNameTemplate == "" {
		cfg.ServerNameTemplate = DefaultServerNameTemplate
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.DefaultPresentationType == "" {
		cfg.DefaultPresentationType = DefaultPresentationType
	}
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand()
	}
	if cfg.MaxSlugAttempts <= 0 {
		cfg.MaxSlugAttempts = DefaultMaxSlugAttempts
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = DefaultGroupPrefix
	}
	if strings.Count(cfg.ServerNameTemplate, "{") != strings.Count(cfg.ServerNameTemplate, "}") {
		return ServiceConfig{}, errors.New("server name template has unbalanced braces")
	}
	return cfg, nil
}
