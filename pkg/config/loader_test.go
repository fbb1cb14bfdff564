package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADDR", "DB_DSN", "HMAC_SECRET", "ACCOUNT_HMAC_KEY",
		"OPAQUE_SERVER_ID", "ACCOUNT_TOKEN_LEN", "READ_TIMEOUT",
		"WRITE_TIMEOUT", "IDLE_TIMEOUT", "CONFIG_FILE",
	} {
		os.Unsetenv(EnvPrefix + k)
	}
}

func validHexKey() string {
	return "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
}

func TestLoadMissingSecretFails(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	if _, err := Load(); err != ErrMissingHMACSecret {
		t.Fatalf("expected ErrMissingHMACSecret, got %v", err)
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	os.Setenv(EnvPrefix+"HMAC_SECRET", "shh")
	os.Setenv(EnvPrefix+"ACCOUNT_HMAC_KEY", validHexKey())
	os.Setenv(EnvPrefix+"ADDR", ":9090")
	os.Setenv(EnvPrefix+"ACCOUNT_TOKEN_LEN", "48")
	os.Setenv(EnvPrefix+"READ_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr override not applied: %q", cfg.Addr)
	}
	if cfg.AccountTokenLen != 48 {
		t.Fatalf("token len override not applied: %d", cfg.AccountTokenLen)
	}
	if cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout override not applied: %v", cfg.ReadTimeout)
	}
	if cfg.DBDSN != DefaultDSN {
		t.Fatalf("expected default dsn, got %q", cfg.DBDSN)
	}
	if cfg.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("expected default write timeout, got %v", cfg.WriteTimeout)
	}
}

func TestValidateRejectsBadAccountHMACKey(t *testing.T) {
	cfg := Config{
		HMACSecret:      "shh",
		AccountHMACKey:  "not-hex",
		AccountTokenLen: DefaultAccountTokenLen,
		DBDSN:           DefaultDSN,
	}
	if err := cfg.Validate(); err != ErrBadAccountHMACKey {
		t.Fatalf("expected ErrBadAccountHMACKey, got %v", err)
	}
}

func TestValidateRejectsTokenLenOutOfBounds(t *testing.T) {
	cfg := Config{
		HMACSecret:      "shh",
		AccountHMACKey:  validHexKey(),
		AccountTokenLen: 200,
		DBDSN:           DefaultDSN,
	}
	if err := cfg.Validate(); err != ErrBadTokenLen {
		t.Fatalf("expected ErrBadTokenLen, got %v", err)
	}
}

func TestApplyFileYAMLAndJSON(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	dir := t.TempDir()
	path := dir + "/d1plane.yaml"
	if err := os.WriteFile(path, []byte(`
addr: ":7000"
hmac_secret: "file-secret"
account_hmac_key: "`+validHexKey()+`"
account_token_len: 40
`), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Setenv(EnvPrefix+"CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7000" || cfg.HMACSecret != "file-secret" || cfg.AccountTokenLen != 40 {
		t.Fatalf("file layer not applied: %+v", cfg)
	}

	// env var still wins over file
	os.Setenv(EnvPrefix+"ADDR", ":7001")
	cfg2, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg2.Addr != ":7001" {
		t.Fatalf("env override did not win over file: %q", cfg2.Addr)
	}
}
