package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goliatone/go-chatflow/core"
)

// Process holds the settings chatflowd takes from the environment. Service
// behavior lives in the YAML file; the environment carries deployment
// wiring, secrets and a few runtime overrides.
type Process struct {
	ListenAddr      string        `env:"CHATFLOW_LISTEN_ADDR"      envDefault:":8080"`
	ConfigPath      string        `env:"CHATFLOW_CONFIG"`
	ShutdownTimeout time.Duration `env:"CHATFLOW_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	DBDriver string `env:"CHATFLOW_DB_DRIVER" envDefault:"sqlite3"`
	DBDSN    string `env:"CHATFLOW_DB_DSN"    envDefault:"file:chatflow.db?cache=shared&_fk=1"`

	RedisAddr   string `env:"CHATFLOW_REDIS_ADDR"`
	RedisStream string `env:"CHATFLOW_REDIS_STREAM"`

	LogMode  string `env:"CHATFLOW_LOG_MODE"  envDefault:"dev"`
	LogLevel string `env:"CHATFLOW_LOG_LEVEL" envDefault:"info"`

	WhatsAppAppSecret   string `env:"CHATFLOW_WHATSAPP_APP_SECRET"`
	WhatsAppVerifyToken string `env:"CHATFLOW_WHATSAPP_VERIFY_TOKEN"`
	GreenAPIToken       string `env:"CHATFLOW_GREEN_API_TOKEN"`
	GenericSecret       string `env:"CHATFLOW_GENERIC_SECRET"`

	// SeedAssignees lists agent ids upserted as available on startup.
	SeedAssignees []string `env:"CHATFLOW_SEED_ASSIGNEES" envSeparator:","`

	PublisherMode string `env:"CHATFLOW_PUBLISHER_MODE"`
	GatewayKind   string `env:"CHATFLOW_GATEWAY_KIND"`
	GatewayToken  string `env:"CHATFLOW_GATEWAY_TOKEN"`
}

// ParseEnv loads the process settings from environment variables.
func ParseEnv() (Process, error) {
	var process Process
	if err := env.Parse(&process); err != nil {
		return Process{}, fmt.Errorf("parse env: %w", err)
	}
	process.DBDriver = strings.ToLower(strings.TrimSpace(process.DBDriver))
	switch process.DBDriver {
	case "sqlite", "sqlite3":
		process.DBDriver = "sqlite3"
	case "postgres", "pg":
		process.DBDriver = "postgres"
	default:
		return Process{}, fmt.Errorf("parse env: unsupported CHATFLOW_DB_DRIVER %q", process.DBDriver)
	}
	if process.ShutdownTimeout <= 0 {
		process.ShutdownTimeout = 15 * time.Second
	}
	return process, nil
}

// Runtime returns the highest precedence config layer. Only the fields set
// in the environment are populated.
func (p Process) Runtime() core.Config {
	return core.Config{
		Publisher: core.PublisherConfig{Mode: strings.TrimSpace(p.PublisherMode)},
		Gateway: core.GatewayConfig{
			Kind:  strings.TrimSpace(p.GatewayKind),
			Token: strings.TrimSpace(p.GatewayToken),
		},
	}
}

func (p Process) UsesPostgres() bool {
	return p.DBDriver == "postgres"
}
