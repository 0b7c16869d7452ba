// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (SMARTQUERY_* prefix, runtime override)
//  2. Config file (~/.smart-query/config.yaml or --config)
//  3. Default values
//
// Main configuration categories:
//   - AI: reasoning model, embedder model
//   - Storage: PostgreSQL connection (see storage.go)
//   - Search: web search provider settings
//   - Agent: turn orchestration limits
//
// Security: sensitive data (passwords, API keys) is masked in MarshalJSON.
// Validation: range checks in validation.go with sentinel errors for
// Go-idiomatic checking via errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidMaxIterations indicates the iteration cap is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidSearchProvider indicates the search provider is not supported.
	ErrInvalidSearchProvider = errors.New("invalid search provider")
)

// Orchestration limits. MaxIterations must stay finite: it is the coarse
// grained timeout of a turn and the guarantee that the tool-calling loop
// terminates.
const (
	// DefaultMaxIterations is the default reason/act/observe iteration cap.
	DefaultMaxIterations = 5

	// MaxAllowedIterations is the absolute cap regardless of configuration.
	MaxAllowedIterations = 25

	// DefaultMaxHistoryTurns is the history tail handed to the reasoner.
	DefaultMaxHistoryTurns = 6

	// DefaultToolTimeout bounds a single tool adapter call.
	DefaultToolTimeout = 30 * time.Second

	// DefaultSQLMaxRows truncates SQL results beyond this row count.
	DefaultSQLMaxRows = 200

	// DefaultMaxSearchResults bounds web search results per query.
	DefaultMaxSearchResults = 10

	// DefaultRetrievalTopK bounds knowledge retrieval results per query.
	DefaultRetrievalTopK = 5
)

// Web search provider identifiers used in Config.SearchProvider.
const (
	SearchProviderAPI  = "api"  // JSON search API (endpoint + key)
	SearchProviderHTML = "html" // HTML results page, parsed with goquery
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`         // provider-qualified, e.g. "googleai/gemini-2.5-flash"
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"` // e.g. "gemini-embedding-001"

	// Turn orchestration
	MaxIterations     int           `mapstructure:"max_iterations" json:"max_iterations"`
	MaxHistoryTurns   int           `mapstructure:"max_history_turns" json:"max_history_turns"`
	ToolTimeout       time.Duration `mapstructure:"tool_timeout" json:"tool_timeout"`
	SQLMaxRows        int           `mapstructure:"sql_max_rows" json:"sql_max_rows"`
	RetrievalTopK     int           `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" json:"requests_per_minute"` // reasoner rate limit, 0 disables

	// Default schema binding for SQL tools when a request does not name one.
	DefaultSchema string `mapstructure:"default_schema" json:"default_schema"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Web search configuration
	SearchProvider   string `mapstructure:"search_provider" json:"search_provider"`
	SearchEndpoint   string `mapstructure:"search_endpoint" json:"search_endpoint"`
	SearchAPIKey     string `mapstructure:"search_api_key" json:"search_api_key"` // SENSITIVE: masked in MarshalJSON
	MaxSearchResults int    `mapstructure:"max_search_results" json:"max_search_results"`

	// HTTP server
	ServeAddr string `mapstructure:"serve_addr" json:"serve_addr"`

	// Tracing (optional; empty endpoint disables export)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug|info|warn|error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// MarshalJSON masks sensitive fields so a Config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(*c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	if masked.SearchAPIKey != "" {
		masked.SearchAPIKey = "***"
	}
	return json.Marshal(masked)
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, then validates the result.
//
// If configFile is empty, ~/.smart-query/config.yaml is used when present.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SMARTQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	} else if dir, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(dir, ".smart-query"))
		// A missing default config file is not an error.
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers default values for all configuration keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", "googleai/gemini-2.5-flash")
	v.SetDefault("embedder_model", "gemini-embedding-001")

	v.SetDefault("max_iterations", DefaultMaxIterations)
	v.SetDefault("max_history_turns", DefaultMaxHistoryTurns)
	v.SetDefault("tool_timeout", DefaultToolTimeout)
	v.SetDefault("sql_max_rows", DefaultSQLMaxRows)
	v.SetDefault("retrieval_top_k", DefaultRetrievalTopK)
	v.SetDefault("requests_per_minute", 60)
	v.SetDefault("default_schema", "public")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "postgres")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "smartquery")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("search_provider", SearchProviderAPI)
	v.SetDefault("search_endpoint", "")
	v.SetDefault("search_api_key", "")
	v.SetDefault("max_search_results", DefaultMaxSearchResults)

	v.SetDefault("serve_addr", "127.0.0.1:3500")

	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "smart-query")
	v.SetDefault("environment", "dev")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}
