package config

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Models maps a model name to its inference server endpoint and
	// capability list.
	//
	// Example YAML:
	//
	//	models:
	//	  llama-3.1-8b-instruct:
	//	    host: triton-llama
	//	    port: 8001
	//	    type: [llama-3, chat:base, vision]
	//	    response:
	//	      owned_by: platform
	//	  nv-embed-v2:
	//	    host: triton-embed
	//	    port: 8001
	//	    type: [embeddings:base]
	//	  whisper-large-v3:
	//	    host: triton-audio
	//	    port: 8001
	//	    type: [audio:transcription]
	Models map[string]ModelConfig `cfg:"models"`

	Database *Database `cfg:"database"`
	OAuth2   OAuth2    `cfg:"oauth2"`
	Logging  Logging   `cfg:"logging"`

	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Capability values carried in ModelConfig.Type. The family tags select the
// prompt serialization; the scope-shaped values gate routes and model listing.
const (
	CapChat      = "chat:base"
	CapEmbedding = "embeddings:base"
	CapAudio     = "audio:transcription"
	CapVision    = "vision"

	FamilyLlama3 = "llama-3"
	FamilyAgent  = "agent"
	FamilyTRTLLM = "trt-llm"
)

// ModelConfig describes a single backend inference endpoint.
type ModelConfig struct {
	Host string `cfg:"host"`
	Port int    `cfg:"port"`

	// Type lists capabilities and the prompt family tag, e.g.
	// ["llama-3", "chat:base", "vision"].
	Type []string `cfg:"type"`

	// Response carries OpenAPI metadata surfaced by /v1/models
	// (owned_by, created, ...).
	Response map[string]any `cfg:"response"`
}

// Addr returns the host:port dial target of the endpoint.
func (m ModelConfig) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// Has reports whether the model carries the given capability or family tag.
func (m ModelConfig) Has(cap string) bool {
	for _, t := range m.Type {
		if t == cap {
			return true
		}
	}

	return false
}

// Family returns the prompt family tag, defaulting to llama-3.
func (m ModelConfig) Family() string {
	for _, t := range m.Type {
		switch t {
		case FamilyLlama3, FamilyAgent, FamilyTRTLLM:
			return t
		}
	}

	return FamilyLlama3
}

type Database struct {
	Host        string `cfg:"host"`
	Port        int    `cfg:"port" default:"5432"`
	Username    string `cfg:"username"`
	Password    string `cfg:"password" log:"-"`
	Database    string `cfg:"database"`
	SSLMode     string `cfg:"ssl_mode" default:"prefer"`
	TablePrefix string `cfg:"table_prefix" default:"mf_"`

	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	// SQLite, if set, selects the embedded store instead of postgres.
	// Useful for single-node and test deployments.
	SQLite string `cfg:"sqlite"`
}

// Datasource builds the postgres connection string.
func (d *Database) Datasource() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

type OAuth2 struct {
	SecretKey string `cfg:"secret_key" log:"-"`
	Algorithm string `cfg:"algorithm" default:"HS256"`

	AccessTokenExpireMinutes int  `cfg:"access_token_expire_minutes" default:"30"`
	UserTokenExpireDays      int  `cfg:"user_token_expire_days" default:"30"`
	AdminTokenNeverExpires   bool `cfg:"admin_token_never_expires" default:"true"`

	DefaultAdmin DefaultAdmin `cfg:"default_admin"`

	// ExcludePaths lists path prefixes that bypass authentication
	// (docs, static UI, health).
	ExcludePaths []string `cfg:"exclude_paths"`
}

// SessionTTL is the lifetime of issued session tokens.
func (o OAuth2) SessionTTL() time.Duration {
	return time.Duration(o.AccessTokenExpireMinutes) * time.Minute
}

// APIKeyTTL is the lifetime of issued API keys.
func (o OAuth2) APIKeyTTL() time.Duration {
	return time.Duration(o.UserTokenExpireDays) * 24 * time.Hour
}

type DefaultAdmin struct {
	Username string   `cfg:"username" default:"admin"`
	Password string   `cfg:"password" log:"-"`
	Email    string   `cfg:"email"`
	Scopes   []string `cfg:"scopes"`
}

type Logging struct {
	Level       string `cfg:"level" default:"info"`
	UseDatabase bool   `cfg:"use_database" default:"true"`
	TablePrefix string `cfg:"table_prefix"`

	// LogRetentionDays is parsed for config compatibility; retention jobs are
	// not part of this service.
	LogRetentionDays int `cfg:"log_retention_days" default:"30"`

	// UsageFallbackPath is the NDJSON file that captures usage rows when the
	// store is unreachable.
	UsageFallbackPath string `cfg:"usage_fallback_path" default:"usage-fallback.ndjson"`

	BatchSize     int           `cfg:"batch_size" default:"50"`
	FlushInterval time.Duration `cfg:"flush_interval" default:"5s"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("MODELFRONT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
