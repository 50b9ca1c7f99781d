package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/powertime-core/internal/api"
)

const testSecret = "test-secret-for-development-only-0123456789"

// writeConfig writes a config that needs no broker, no InfluxDB and no
// serial hardware, and points POWERTIME_CONFIG at it.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "powertime.yaml")
	content := `
site:
  id: test-site
plugin:
  driver: icse0xxa
  activate_on_start: false
discovery:
  fallback: false
registry:
  backend: yaml
  path: "` + filepath.Join(dir, "devices.yaml") + `"
database:
  path: "` + filepath.Join(dir, "powertime.db") + `"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: false
influxdb:
  enabled: false
logging:
  level: error
  format: text
  output: discard
api:
  host: "127.0.0.1"
  port: 18089
` + extra
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("POWERTIME_CONFIG", path)
	return path
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("POWERTIME_CONFIG", "/nonexistent/path/powertime.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_UnknownPlugin(t *testing.T) {
	path := writeConfig(t, "")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data = bytes.Replace(data, []byte("driver: icse0xxa"), []byte("driver: modbus"), 1)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = run(ctx)
	if err == nil || !strings.Contains(err.Error(), "modbus") {
		t.Fatalf("run() error = %v, want unknown plugin", err)
	}
}

func TestRun_StartsAndStops(t *testing.T) {
	writeConfig(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error: %v", err)
	}
}

func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("POWERTIME_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/powertime.yaml"
	t.Setenv("POWERTIME_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestRunToken(t *testing.T) {
	writeConfig(t, `
security:
  jwt:
    secret: "`+testSecret+`"
    issuer: powertime
`)

	var out bytes.Buffer
	if err := runToken([]string{"-subject", "billing", "-role", "operator", "-ttl", "1h"}, &out); err != nil {
		t.Fatalf("runToken() error: %v", err)
	}
	claims, err := api.ParseToken(strings.TrimSpace(out.String()), testSecret, "powertime")
	if err != nil {
		t.Fatalf("ParseToken() error: %v", err)
	}
	if claims.Subject != "billing" || claims.Role != api.RoleOperator {
		t.Errorf("claims = %+v", claims)
	}
}

func TestRunToken_Errors(t *testing.T) {
	writeConfig(t, "")

	tests := []struct {
		name string
		args []string
	}{
		{"missing subject", []string{"-role", "viewer"}},
		{"no secret configured", []string{"-subject", "billing"}},
		{"unknown flag", []string{"-admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runToken(tt.args, &out); err == nil {
				t.Errorf("runToken(%v) succeeded", tt.args)
			}
		})
	}
}
