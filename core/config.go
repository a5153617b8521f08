package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	PolicyLeastLoaded = "least_loaded"
	PolicyRoundRobin  = "round_robin"
	PolicyRuleBased   = "rule_based"

	PublisherModeInProcess = "inprocess"
	PublisherModeJob       = "job"
	PublisherModeNone      = "none"

	GatewayKindNoop      = "noop"
	GatewayKindSimulated = "simulated"
	GatewayKindREST      = "rest"
)

type IngestConfig struct {
	Timeout          string `koanf:"timeout" mapstructure:"timeout"`
	RequireSignature bool   `koanf:"require_signature" mapstructure:"require_signature"`
	MaxBodyBytes     int64  `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	DefaultProvider  string `koanf:"default_provider" mapstructure:"default_provider"`
	DefaultChannel   string `koanf:"default_channel" mapstructure:"default_channel"`
}

type RoutingRuleConfig struct {
	Tag       string   `koanf:"tag" mapstructure:"tag"`
	Skill     string   `koanf:"skill" mapstructure:"skill"`
	Assignees []string `koanf:"assignees" mapstructure:"assignees"`
}

type RoutingConfig struct {
	Policy         string              `koanf:"policy" mapstructure:"policy"`
	AutoAssign     bool                `koanf:"auto_assign" mapstructure:"auto_assign"`
	MaxCASAttempts int                 `koanf:"max_cas_attempts" mapstructure:"max_cas_attempts"`
	RosterCacheTTL string              `koanf:"roster_cache_ttl" mapstructure:"roster_cache_ttl"`
	Rules          []RoutingRuleConfig `koanf:"rules" mapstructure:"rules"`
}

type PublisherConfig struct {
	Mode           string `koanf:"mode" mapstructure:"mode"`
	BatchSize      int    `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts    int    `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff string `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     string `koanf:"max_backoff" mapstructure:"max_backoff"`
	PollInterval   string `koanf:"poll_interval" mapstructure:"poll_interval"`
	// ClaimLease is how long a claimed outbox row waits for its ack before
	// another dispatch may claim it.
	ClaimLease     string `koanf:"claim_lease" mapstructure:"claim_lease"`
}

type GatewayConfig struct {
	Kind          string  `koanf:"kind" mapstructure:"kind"`
	BaseURL       string  `koanf:"base_url" mapstructure:"base_url"`
	SendPath      string  `koanf:"send_path" mapstructure:"send_path"`
	Token         string  `koanf:"token" mapstructure:"token"`
	Timeout       string  `koanf:"timeout" mapstructure:"timeout"`
	RatePerSecond float64 `koanf:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `koanf:"burst" mapstructure:"burst"`
	HandoffNotice string  `koanf:"handoff_notice" mapstructure:"handoff_notice"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Ingest      IngestConfig    `koanf:"ingest" mapstructure:"ingest"`
	Routing     RoutingConfig   `koanf:"routing" mapstructure:"routing"`
	Publisher   PublisherConfig `koanf:"publisher" mapstructure:"publisher"`
	Gateway     GatewayConfig   `koanf:"gateway" mapstructure:"gateway"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "chatflow",
		Ingest: IngestConfig{
			Timeout:         "5s",
			MaxBodyBytes:    1 << 20,
			DefaultProvider: "generic",
			DefaultChannel:  "whatsapp",
		},
		Routing: RoutingConfig{
			Policy:         PolicyLeastLoaded,
			AutoAssign:     true,
			MaxCASAttempts: 5,
			RosterCacheTTL: "30s",
		},
		Publisher: PublisherConfig{
			Mode:           PublisherModeInProcess,
			BatchSize:      50,
			MaxAttempts:    5,
			InitialBackoff: "2s",
			MaxBackoff:     "5m",
			PollInterval:   "5s",
			ClaimLease:     "2m",
		},
		Gateway: GatewayConfig{
			Kind:          GatewayKindNoop,
			SendPath:      "/messages",
			Timeout:       "10s",
			RatePerSecond: 20,
			Burst:         5,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	for name, value := range map[string]string{
		"ingest.timeout":            c.Ingest.Timeout,
		"routing.roster_cache_ttl":  c.Routing.RosterCacheTTL,
		"publisher.initial_backoff": c.Publisher.InitialBackoff,
		"publisher.max_backoff":     c.Publisher.MaxBackoff,
		"publisher.poll_interval":   c.Publisher.PollInterval,
		"publisher.claim_lease":     c.Publisher.ClaimLease,
		"gateway.timeout":           c.Gateway.Timeout,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("core: %s is invalid: %w", name, err)
		}
	}
	switch normalizePolicyName(c.Routing.Policy) {
	case "", PolicyLeastLoaded, PolicyRoundRobin, PolicyRuleBased:
	default:
		return fmt.Errorf("core: routing.policy %q is invalid", c.Routing.Policy)
	}
	switch strings.ToLower(strings.TrimSpace(c.Publisher.Mode)) {
	case "", PublisherModeInProcess, PublisherModeJob, PublisherModeNone:
	default:
		return fmt.Errorf("core: publisher.mode %q is invalid", c.Publisher.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(c.Gateway.Kind)) {
	case "", GatewayKindNoop, GatewayKindSimulated:
	case GatewayKindREST:
		if strings.TrimSpace(c.Gateway.BaseURL) == "" {
			return fmt.Errorf("core: gateway.base_url is required for the rest gateway")
		}
	default:
		return fmt.Errorf("core: gateway.kind %q is invalid", c.Gateway.Kind)
	}
	for i, rule := range c.Routing.Rules {
		if strings.TrimSpace(rule.Tag) == "" {
			return fmt.Errorf("core: routing.rules[%d].tag is required", i)
		}
	}
	if c.Ingest.MaxBodyBytes < 0 {
		return fmt.Errorf("core: ingest.max_body_bytes is invalid")
	}
	return nil
}

func (c IngestConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, 5*time.Second)
}

func (c RoutingConfig) RosterCacheDuration() time.Duration {
	return parseDurationOr(c.RosterCacheTTL, 0)
}

func (c PublisherConfig) DispatcherConfig() OutboxDispatcherConfig {
	defaults := DefaultOutboxDispatcherConfig()
	return OutboxDispatcherConfig{
		BatchSize:      c.BatchSize,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: parseDurationOr(c.InitialBackoff, defaults.InitialBackoff),
		MaxBackoff:     parseDurationOr(c.MaxBackoff, defaults.MaxBackoff),
	}
}

func (c PublisherConfig) PollDuration() time.Duration {
	return parseDurationOr(c.PollInterval, 5*time.Second)
}

func (c PublisherConfig) ClaimLeaseDuration() time.Duration {
	return parseDurationOr(c.ClaimLease, 2*time.Minute)
}

func (c GatewayConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(c.Timeout, 10*time.Second)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func normalizePolicyName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
