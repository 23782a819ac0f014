package config

import "testing"

func TestCheckForbiddenEnvDetectsKnownProviderKeys(t *testing.T) {
	err := checkForbiddenEnv([]string{
		"PATH=/usr/bin",
		"OPENAI_API_KEY=sk-live-abc",
	})
	if err == nil {
		t.Fatal("expected forbidden env var to be detected")
	}
}

func TestCheckForbiddenEnvDetectsAnthropicKey(t *testing.T) {
	err := checkForbiddenEnv([]string{"ANTHROPIC_API_KEY=sk-ant-abc"})
	if err == nil {
		t.Fatal("expected forbidden env var to be detected")
	}
}

func TestCheckForbiddenEnvAllowsUnrelatedVars(t *testing.T) {
	err := checkForbiddenEnv([]string{
		"PATH=/usr/bin",
		"KV_URL=redis://localhost:6379",
		"SOME_OTHER_SETTING=1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequiresAllCoreSettings(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected validation error for missing required settings")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := &Config{
		LogLevel:            "info",
		KVURL:               "redis://localhost:6379",
		SecretStoreAddr:     "http://vault:8200",
		SecretStoreRoleID:   "role",
		SecretStoreSecretID: "secret",
		GatewayToken:        "gate_OK",
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{
		LogLevel:            "verbose",
		KVURL:               "redis://localhost:6379",
		SecretStoreAddr:     "http://vault:8200",
		SecretStoreRoleID:   "role",
		SecretStoreSecretID: "secret",
		GatewayToken:        "gate_OK",
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
