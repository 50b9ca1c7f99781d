// Package logging provides structured logging for the PowerTime relay core.
//
// It wraps log/slog with JSON (production) and text (console) handlers, and
// stamps every record with the service name and version.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	registry.SetLogger(logger.Component("registry"))
//	logger.Warn("device assumed listening", "port", "COM3")
package logging
