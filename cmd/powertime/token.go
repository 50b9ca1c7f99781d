package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/nerrad567/powertime-core/internal/api"
	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
)

// runToken implements "powertime token": it signs a bearer token with the
// configured secret and prints it.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "Token subject, recorded as the switch source (required)")
	role := fs.String("role", string(api.RoleViewer), "Role: viewer or operator")
	ttl := fs.Duration("ttl", api.DefaultTokenTTL, "Token lifetime")
	configPath := fs.String("config", getConfigPath(), "Configuration file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return fmt.Errorf("security.jwt.secret is not set; authentication is disabled")
	}

	token, err := api.IssueToken(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, *subject, api.Role(*role), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
