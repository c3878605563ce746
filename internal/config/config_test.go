package config

import "testing"

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("RECKLESS_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("RECKLESS_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("RECKLESS_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("RECKLESS_DB_DSN", "file::memory:")
	t.Setenv("RECKLESS_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("RECKLESS_DB_BACKEND", "mongodb")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail for unknown backend")
	}
}

func TestLoadProductionRequiresVideoCredentials(t *testing.T) {
	t.Setenv("RECKLESS_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("RECKLESS_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("RECKLESS_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail without video credentials")
	}

	t.Setenv("RECKLESS_VIDEO_TOKEN_ID", "token-id")
	t.Setenv("RECKLESS_VIDEO_TOKEN_SECRET", "token-secret")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load with video creds to succeed: %v", err)
	}
}
