package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/ansuz/internal/codec"
	pkgconfig "github.com/starford/ansuz/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestStoreConfig_Defaults(t *testing.T) {
	cfg := StoreConfig{Path: "./data"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("minimal store config should pass: %v", err)
	}
	if cfg.Driver != StoreDriverFS || cfg.Format != codec.FormatYAML {
		t.Errorf("defaults = %q/%q, want fs/yaml", cfg.Driver, cfg.Format)
	}
}

func TestStoreConfig_Invalid(t *testing.T) {
	cases := map[string]StoreConfig{
		"missing path":   {},
		"unknown driver": {Path: "x", Driver: "postgres"},
		"unknown format": {Path: "x", Format: "toml"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_DerivedPaths(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetDataPath("/srv/knowledge")
	if got := cfg.IndexPath(); got != filepath.Join("/srv/knowledge", "index.json") {
		t.Errorf("index path = %q", got)
	}
	if got := cfg.SQLitePath(); got != filepath.Join("/srv/knowledge", "atoms.db") {
		t.Errorf("sqlite path = %q", got)
	}

	cfg.Index.Path = "/tmp/idx.json"
	cfg.Store.SQLitePath = "/tmp/a.db"
	if cfg.IndexPath() != "/tmp/idx.json" || cfg.SQLitePath() != "/tmp/a.db" {
		t.Errorf("explicit paths ignored: %q %q", cfg.IndexPath(), cfg.SQLitePath())
	}
}

func TestDefaultConfig_PersistsPopularity(t *testing.T) {
	cfg := NewDefaultConfig()
	if !cfg.Index.PersistPopularity || !cfg.Index.Watch {
		t.Errorf("index defaults = %+v", cfg.Index)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("ANSUZ_TEST_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  http:
    port: 9090
store:
  path: /var/lib/ansuz
  driver: sqlite
index:
  persist_popularity: false
auth:
  mode: token
  token: ${ANSUZ_TEST_TOKEN}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.Store.Driver != StoreDriverSQLite {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Index.PersistPopularity {
		t.Error("persist_popularity should be false")
	}
	if !cfg.Index.Watch {
		t.Error("unset watch should keep its default")
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
}
