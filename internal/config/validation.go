package config

import (
	"fmt"
	"strings"
)

// validSSLModes are the PostgreSQL sslmode values accepted by pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks all configuration values and returns the first problem
// found, wrapped around the matching sentinel error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	if c.MaxIterations <= 0 || c.MaxIterations > MaxAllowedIterations {
		return fmt.Errorf("%w: must be between 1 and %d, got %d",
			ErrInvalidMaxIterations, MaxAllowedIterations, c.MaxIterations)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d",
			ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	switch c.SearchProvider {
	case SearchProviderAPI, SearchProviderHTML:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidSearchProvider, c.SearchProvider, SearchProviderAPI, SearchProviderHTML)
	}

	return nil
}
