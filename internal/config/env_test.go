package config

import (
	"os"
	"testing"
)

func TestEnvConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EnvConfig
		wantErr bool
	}{
		{
			name: "valid database mode",
			cfg: EnvConfig{
				Mode: ModeDatabase, LogLevel: "info", LogFormat: "json",
				DBURL: "postgres://localhost/test", DBMaxOpenConns: 25, DBMaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name:    "database mode missing DB_URL",
			cfg:     EnvConfig{Mode: ModeDatabase, LogLevel: "info", LogFormat: "json"},
			wantErr: true,
		},
		{
			name:    "file mode missing path",
			cfg:     EnvConfig{Mode: ModeFile, LogLevel: "info", LogFormat: "json"},
			wantErr: true,
		},
		{
			name: "file mode valid",
			cfg: EnvConfig{
				Mode: ModeFile, LogLevel: "info", LogFormat: "json",
				FileConfigPath: "/etc/ferrum/config.yaml",
			},
			wantErr: false,
		},
		{
			name:    "data plane missing token",
			cfg:     EnvConfig{Mode: ModeDataPlane, LogLevel: "info", LogFormat: "json", DPCPGRPCURL: "localhost:9443"},
			wantErr: true,
		},
		{
			name:    "control plane missing jwt secret",
			cfg:     EnvConfig{Mode: ModeControlPlane, LogLevel: "info", LogFormat: "json", DBURL: "postgres://x"},
			wantErr: true,
		},
		{
			name:    "invalid mode",
			cfg:     EnvConfig{Mode: "bogus", LogLevel: "info", LogFormat: "json"},
			wantErr: true,
		},
		{
			name:    "invalid log level",
			cfg:     EnvConfig{Mode: ModeFile, LogLevel: "trace", LogFormat: "json", FileConfigPath: "x"},
			wantErr: true,
		},
		{
			name:    "invalid dns overrides json",
			cfg:     EnvConfig{Mode: ModeFile, LogLevel: "info", LogFormat: "json", FileConfigPath: "x", DNSOverridesJSON: "not-json"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvConfig_DNSOverrides(t *testing.T) {
	cfg := EnvConfig{DNSOverridesJSON: `{"internal.svc": "10.0.0.5"}`}
	overrides, err := cfg.DNSOverrides()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overrides["internal.svc"] != "10.0.0.5" {
		t.Errorf("expected override for internal.svc, got %v", overrides)
	}
}

func TestLoad(t *testing.T) {
	os.Setenv("MODE", "file")
	os.Setenv("FILE_CONFIG_PATH", "/tmp/ferrum.yaml")
	defer os.Unsetenv("MODE")
	defer os.Unsetenv("FILE_CONFIG_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load to succeed, got %v", err)
	}
	if cfg.Mode != ModeFile {
		t.Errorf("expected mode file, got %s", cfg.Mode)
	}
	if cfg.ProxyHTTPPort != 8000 {
		t.Errorf("expected default proxy http port 8000, got %d", cfg.ProxyHTTPPort)
	}
}
