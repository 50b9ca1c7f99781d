package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{"defaults", nil, options{logLevel: "warn"}, false},
		{"simulate", []string{"-simulate", "-log-level", "debug"}, options{simulate: true, logLevel: "debug"}, false},
		{"config", []string{"-config", "configs/powertime.yaml"}, options{configPath: "configs/powertime.yaml", logLevel: "warn"}, false},
		{"unknown flag", []string{"-verbose"}, options{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseFlags() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(options{})
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Plugin.Driver != "icse0xxa" || cfg.Registry.Backend != "yaml" {
		t.Errorf("defaults not used: %+v", cfg.Registry)
	}

	path := filepath.Join(t.TempDir(), "powertime.yaml")
	content := "registry:\n  backend: sqlite\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(options{configPath: path, simulate: true})
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Registry.Backend != "yaml" || filepath.Base(cfg.Registry.Path) != "relayctl-simulated-devices.yaml" {
		t.Errorf("simulate did not move the registry: %+v", cfg.Registry)
	}

	if _, err := loadConfig(options{configPath: "/nonexistent/powertime.yaml"}); err == nil {
		t.Error("loadConfig() with missing file succeeded")
	}
}
