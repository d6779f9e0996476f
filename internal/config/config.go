// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Source   SourceConfig   `mapstructure:"source"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Hub      HubConfig      `mapstructure:"hub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig tunes tagging, tracking and cancellation.
type ProgressConfig struct {
	Transport        string        `mapstructure:"transport"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	CancelTimeout    time.Duration `mapstructure:"cancel_timeout"`
	MaxFetchFailures int           `mapstructure:"max_fetch_failures"`
	RoutePrefix      string        `mapstructure:"route_prefix"`
	Function         string        `mapstructure:"function"`
	Model            string        `mapstructure:"model"`
}

// SourceConfig selects the server-side progress collaborator.
type SourceConfig struct {
	Kind     string         `mapstructure:"kind"`
	JSONRPC  JSONRPCConfig  `mapstructure:"jsonrpc"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// JSONRPCConfig points at the server's JSON-RPC endpoint.
type JSONRPCConfig struct {
	URL       string  `mapstructure:"url"`
	SessionID string  `mapstructure:"session_id"`
	MaxRPS    float64 `mapstructure:"max_rps"`
	Burst     int     `mapstructure:"burst"`
}

// PostgresConfig points at the server's progress table.
type PostgresConfig struct {
	DSN      string        `mapstructure:"dsn"`
	Table    string        `mapstructure:"table"`
	MaxConns int32         `mapstructure:"max_conns"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// PubSubConfig names the subscription used by the push transport and the
// optional topic relay events are republished to.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Subscription string `mapstructure:"subscription"`
	EventsTopic  string `mapstructure:"events_topic"`
}

// HubConfig sizes the asynchronous sink fan-out.
type HubConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// Supported values for progress.transport and source.kind.
const (
	TransportPoll = "poll"
	TransportPush = "push"

	SourceMemory   = "memory"
	SourceJSONRPC  = "jsonrpc"
	SourcePostgres = "postgres"
)

// Load builds a Config from an optional dotenv file, an optional config file
// and the WEBPROGRESS_* environment. Values already present in the
// environment win over the dotenv file.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("WEBPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("progress.transport", TransportPoll)
	v.SetDefault("progress.poll_interval", 5*time.Second)
	v.SetDefault("progress.fetch_timeout", 10*time.Second)
	v.SetDefault("progress.cancel_timeout", 10*time.Second)
	v.SetDefault("progress.max_fetch_failures", 3)
	v.SetDefault("progress.route_prefix", "/web/dataset/")
	v.SetDefault("progress.function", "call")
	v.SetDefault("progress.model", "web.progress")
	v.SetDefault("source.kind", SourceMemory)
	v.SetDefault("source.jsonrpc.url", "")
	v.SetDefault("source.jsonrpc.session_id", "")
	v.SetDefault("source.jsonrpc.max_rps", 0)
	v.SetDefault("source.jsonrpc.burst", 5)
	v.SetDefault("source.postgres.dsn", "")
	v.SetDefault("source.postgres.table", "web_progress")
	v.SetDefault("source.postgres.max_conns", 4)
	v.SetDefault("source.postgres.max_age", 30*time.Minute)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription", "")
	v.SetDefault("pubsub.events_topic", "")
	v.SetDefault("hub.buffer_size", 256)
	v.SetDefault("hub.max_batch_events", 32)
	v.SetDefault("hub.max_batch_wait", 500*time.Millisecond)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Progress.Transport {
	case TransportPoll:
		if c.Progress.PollInterval <= 0 {
			return fmt.Errorf("progress.poll_interval must be > 0")
		}
	case TransportPush:
		if c.Source.Kind != SourceMemory && (c.PubSub.ProjectID == "" || c.PubSub.Subscription == "") {
			return fmt.Errorf("pubsub.project_id and pubsub.subscription are required for push transport")
		}
	default:
		return fmt.Errorf("progress.transport must be %q or %q, got %q", TransportPoll, TransportPush, c.Progress.Transport)
	}
	switch c.Source.Kind {
	case SourceMemory:
	case SourceJSONRPC:
		if c.Source.JSONRPC.URL == "" {
			return fmt.Errorf("source.jsonrpc.url is required for the jsonrpc source")
		}
	case SourcePostgres:
		if c.Source.Postgres.DSN == "" {
			return fmt.Errorf("source.postgres.dsn is required for the postgres source")
		}
	default:
		return fmt.Errorf("source.kind must be one of memory, jsonrpc, postgres; got %q", c.Source.Kind)
	}
	if c.PubSub.EventsTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.events_topic is set")
	}
	if c.Hub.BufferSize <= 0 {
		return fmt.Errorf("hub.buffer_size must be > 0")
	}
	return nil
}
