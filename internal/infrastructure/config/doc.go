// Package config handles loading and validating Onecta bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Per-account and per-device defaults (scope, timeout, redirect URI, poll interval)
//   - Validation, including the per-account daily request budget
//
// Security Considerations:
//   - Client secrets and the state secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, a := range cfg.Accounts {
//	    fmt.Println(a.ID, a.RedirectURI)
//	}
package config
