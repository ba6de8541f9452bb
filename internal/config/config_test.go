package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Instance.Port != 0 {
		t.Errorf("Port = %d, want 0 (auto-assign)", cfg.Instance.Port)
	}
	if cfg.Instance.CleanupTimeoutSeconds != 60 {
		t.Errorf("CleanupTimeoutSeconds = %d, want 60", cfg.Instance.CleanupTimeoutSeconds)
	}
	if cfg.Instance.StartTimeoutSeconds != 30 {
		t.Errorf("StartTimeoutSeconds = %d, want 30", cfg.Instance.StartTimeoutSeconds)
	}
	if cfg.Binary.AllowFetch {
		t.Error("AllowFetch should default to false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q, want %q", cfg.Logging.Level, "info")
	}

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() should validate cleanly, got %v", ValidationErrors(errs))
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()

	if got := cfg.Instance.CleanupTimeout(); got != 60*time.Second {
		t.Errorf("CleanupTimeout() = %v, want 60s", got)
	}
	if got := cfg.Instance.StartTimeout(); got != 30*time.Second {
		t.Errorf("StartTimeout() = %v, want 30s", got)
	}
	if got := cfg.Instance.StopGracePeriod(); got != 10*time.Second {
		t.Errorf("StopGracePeriod() = %v, want 10s", got)
	}
	if got := cfg.Registry.SweepInterval(); got != 10*time.Second {
		t.Errorf("SweepInterval() = %v, want 10s", got)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"auto-assign", 0, false},
		{"valid high port", 5433, false},
		{"privileged port", 80, true},
		{"negative", -1, true},
		{"too large", 70000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Instance.Port = tt.port
			errs := cfg.Validate()
			if tt.wantErr && len(errs) == 0 {
				t.Errorf("Validate() with port %d should fail", tt.port)
			}
			if !tt.wantErr && len(errs) != 0 {
				t.Errorf("Validate() with port %d failed: %v", tt.port, ValidationErrors(errs))
			}
		})
	}
}

func TestValidate_Timeouts(t *testing.T) {
	cfg := Default()
	cfg.Instance.CleanupTimeoutSeconds = 0
	cfg.Instance.StartTimeoutSeconds = -5
	cfg.Registry.SweepIntervalSeconds = 0

	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Errorf("Validate() returned %d errors, want 3: %v", len(errs), ValidationErrors(errs))
	}
}

func TestValidate_Version(t *testing.T) {
	tests := []struct {
		version string
		valid   bool
	}{
		{"", true},
		{"16", true},
		{"16.4", true},
		{"15.2.1", true},
		{"v16", false},
		{"sixteen", false},
		{"16.", false},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Binary.Version = tt.version
		errs := cfg.Validate()
		if tt.valid && len(errs) != 0 {
			t.Errorf("Validate() with version %q failed: %v", tt.version, ValidationErrors(errs))
		}
		if !tt.valid && len(errs) == 0 {
			t.Errorf("Validate() with version %q should fail", tt.version)
		}
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"

	errs := cfg.Validate()
	if len(errs) != 1 {
		t.Fatalf("Validate() returned %d errors, want 1", len(errs))
	}
	if errs[0].Field != "logging.level" {
		t.Errorf("Field = %q, want %q", errs[0].Field, "logging.level")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "instance.port", Value: 80, Message: "must be 0 or in range 1024-65535"},
		{Field: "logging.level", Value: "x", Message: "must be one of: debug, info, warn, error"},
	}

	msg := errs.Error()
	if msg == "" {
		t.Fatal("Error() should not be empty")
	}
	if len(ValidationErrors{}) != 0 && (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should produce empty message")
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	// Simulate a typo'd key in a config file.
	viper.Set("instance.cleanup_timeot_seconds", 5)

	if _, err := Load(); err == nil {
		t.Error("Load() should reject unrecognized keys")
	}
}

func TestLoad_FromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	viper.Set("instance.port", 6001)
	viper.Set("binary.version", "16.4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Instance.Port != 6001 {
		t.Errorf("Port = %d, want 6001", cfg.Instance.Port)
	}
	if cfg.Binary.Version != "16.4" {
		t.Errorf("Version = %q, want %q", cfg.Binary.Version, "16.4")
	}
	// Untouched fields keep defaults.
	if cfg.Instance.CleanupTimeoutSeconds != 60 {
		t.Errorf("CleanupTimeoutSeconds = %d, want default 60", cfg.Instance.CleanupTimeoutSeconds)
	}
}

func TestResolveBaseDir(t *testing.T) {
	cfg := InstanceConfig{BaseDir: ""}
	if got := cfg.ResolveBaseDir(); got != os.TempDir() {
		t.Errorf("ResolveBaseDir() = %q, want temp dir", got)
	}

	cfg.BaseDir = "/var/lib/tinypg"
	if got := cfg.ResolveBaseDir(); got != "/var/lib/tinypg" {
		t.Errorf("ResolveBaseDir() = %q, want absolute path unchanged", got)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	cfg.BaseDir = "~/dbs"
	if got := cfg.ResolveBaseDir(); got != filepath.Join(home, "dbs") {
		t.Errorf("ResolveBaseDir() = %q, want ~ expanded", got)
	}
}

func TestClone_Independent(t *testing.T) {
	orig := Default()
	orig.Instance.ServerArgs = []string{"-c", "fsync=off"}

	clone := orig.Clone()
	clone.Instance.Port = 15432
	clone.Instance.ServerArgs = append(clone.Instance.ServerArgs, "-c", "max_connections=10")
	clone.Binary.Version = "16"

	if orig.Instance.Port != 0 {
		t.Errorf("original Port = %d, want untouched 0", orig.Instance.Port)
	}
	if len(orig.Instance.ServerArgs) != 2 {
		t.Errorf("original ServerArgs = %v, want untouched 2 entries", orig.Instance.ServerArgs)
	}
	if orig.Binary.Version != "" {
		t.Errorf("original Version = %q, want untouched empty", orig.Binary.Version)
	}
}
