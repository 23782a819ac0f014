// Package config loads and validates process configuration using viper, in
// the gateway's env-first style: a config file if present, overridden by
// environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the gateway's typed, validated process configuration.
type Config struct {
	Port     int
	LogLevel string

	// KVURL is the shared atomic key-value store (Redis) connection string.
	KVURL string

	// SecretStoreAddr, SecretStoreRoleID and SecretStoreSecretID authenticate
	// the process to the external secret store once at startup via an
	// app-role identity.
	SecretStoreAddr     string
	SecretStoreRoleID   string
	SecretStoreSecretID string

	// GatewayToken is the shared bearer secret callers must present.
	GatewayToken string

	// OpenAIBaseURL and AnthropicBaseURL are the provider descriptors' base
	// URLs. Neither field carries a credential — credentials are fetched
	// just-in-time from the secret store per request.
	OpenAIBaseURL    string
	AnthropicBaseURL string

	BudgetCheckTimeout time.Duration
}

// forbiddenAPIKeyPattern matches any environment variable that looks like a
// static provider credential, e.g. OPENAI_API_KEY, ANTHROPIC_API_KEY. Their
// mere presence in the process environment is a fatal startup error: the
// gateway fetches credentials just-in-time from the secret store and must
// never have a standing static key available to leak or be used as a
// shortcut around that path.
var forbiddenAPIKeyPattern = regexp.MustCompile(`(?i)^[A-Z0-9_]*_API_KEY$`)

// Load reads an optional config.yaml from the working directory, then an
// optional .env file, then environment variables (which always win), and
// returns a validated Config. It returns an error — never exits the
// process — so the caller controls the exit code per the documented
// non-zero-on-misconfiguration contract.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if err := checkForbiddenEnv(os.Environ()); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("anthropic_base_url", "https://api.anthropic.com/v1")
	v.SetDefault("budget_check_timeout", 200*time.Millisecond)

	cfg := &Config{
		Port:                v.GetInt("port"),
		LogLevel:            v.GetString("log_level"),
		KVURL:               v.GetString("kv_url"),
		SecretStoreAddr:     v.GetString("secret_store_addr"),
		SecretStoreRoleID:   v.GetString("secret_store_role_id"),
		SecretStoreSecretID: v.GetString("secret_store_secret_id"),
		GatewayToken:        v.GetString("gateway_token"),
		OpenAIBaseURL:       v.GetString("openai_base_url"),
		AnthropicBaseURL:    v.GetString("anthropic_base_url"),
		BudgetCheckTimeout:  v.GetDuration("budget_check_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.KVURL == "" {
		missing = append(missing, "KV_URL")
	}
	if c.SecretStoreAddr == "" {
		missing = append(missing, "SECRET_STORE_ADDR")
	}
	if c.SecretStoreRoleID == "" {
		missing = append(missing, "SECRET_STORE_ROLE_ID")
	}
	if c.SecretStoreSecretID == "" {
		missing = append(missing, "SECRET_STORE_SECRET_ID")
	}
	if c.GatewayToken == "" {
		missing = append(missing, "GATEWAY_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}

	return nil
}

// checkForbiddenEnv enforces the no-static-secrets invariant: the presence
// of any *_API_KEY-shaped environment variable is a fatal startup error,
// regardless of its value, because a standing static provider key defeats
// the just-in-time credential model entirely.
func checkForbiddenEnv(environ []string) error {
	var found []string
	for _, kv := range environ {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if forbiddenAPIKeyPattern.MatchString(name) {
			found = append(found, name)
		}
	}
	if len(found) > 0 {
		return fmt.Errorf("config: forbidden environment variables present: %s", strings.Join(found, ", "))
	}
	return nil
}

// loadDotEnv loads a .env file if it exists. Absence is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
