// Package api implements the operator HTTP API and WebSocket feed of the
// Onecta bridge.
//
// This package provides:
//   - The OAuth redirect hook that completes account registration
//   - Account status, authorisation URL and token reset endpoints
//   - Device snapshots, control commands and on-demand polls
//   - The command audit log and runtime metrics
//   - A WebSocket hub relaying device state changes
//
// # Architecture
//
// The server sits beside the MQTT surface. Both call into the same
// onecta.Bridge, so a command sent over HTTP is validated, audited and
// acknowledged exactly like one sent over MQTT. State changes reach
// WebSocket clients through a bridge state listener, not through the broker,
// so the feed works without MQTT.
//
// # Security
//
// The API has no user authentication of its own and is meant to be bound to
// a trusted interface. The redirect hook is protected by the optional signed
// state nonce (security.validate_state).
package api
