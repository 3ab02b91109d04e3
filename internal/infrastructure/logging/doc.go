// Package logging provides structured logging for the Onecta bridge.
//
// It wraps log/slog with JSON or text output, level filtering and the
// default fields service and version on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Security
//
// OAuth tokens and client secrets are never logged in full. Use Redact:
//
//	logger.Info("token refreshed", "access_token", logging.Redact(tok))
package logging
