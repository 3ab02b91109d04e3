package onecta

import (
	"errors"
	"fmt"
)

// Error categories. Every specific error below wraps exactly one of these,
// so callers can match with errors.Is at either granularity.
var (
	ErrConfig  = errors.New("onecta: configuration error")
	ErrAuth    = errors.New("onecta: authorization error")
	ErrGateway = errors.New("onecta: gateway error")
	ErrParse   = errors.New("onecta: parse error")
)

// Configuration errors.
var (
	// ErrMissingCredentials is returned when the client id, client secret or
	// (for a refresh) the refresh token is absent.
	ErrMissingCredentials = fmt.Errorf("%w: missing client credentials", ErrConfig)
)

// Authorization errors.
var (
	ErrExchangeFailed = fmt.Errorf("%w: authorization code exchange failed", ErrAuth)
	ErrRefreshFailed  = fmt.Errorf("%w: token refresh failed", ErrAuth)

	// ErrUnavailable is returned by AccessToken when no usable token can be
	// produced: no refresh token stored, or the refresh failed.
	ErrUnavailable = fmt.Errorf("%w: no access token available", ErrAuth)

	ErrNoCodeReceived = fmt.Errorf("%w: no authorization code received", ErrAuth)
	ErrInvalidState   = fmt.Errorf("%w: invalid state parameter", ErrAuth)
)

// Gateway errors.
var (
	// ErrGatewayNotReady is returned without any network I/O when the account
	// is inactive, misconfigured or not registered.
	ErrGatewayNotReady = fmt.Errorf("%w: gateway not ready", ErrGateway)

	// ErrAuthUnavailable is returned when the vault could not supply a token.
	ErrAuthUnavailable = fmt.Errorf("%w: access token unavailable", ErrGateway)

	ErrTransport        = fmt.Errorf("%w: transport failure", ErrGateway)
	ErrUnexpectedStatus = fmt.Errorf("%w: unexpected HTTP status", ErrGateway)
	ErrInvalidCommand   = fmt.Errorf("%w: invalid command", ErrGateway)
)

// Parse errors.
var (
	ErrNoClimateControl  = fmt.Errorf("%w: no climateControl management point", ErrParse)
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrParse)
)

// Device command errors.
var (
	ErrDeviceInactive = fmt.Errorf("%w: device is inactive", ErrConfig)
	ErrDeviceNotReady = fmt.Errorf("%w: device state not yet synchronised", ErrGateway)

	// ErrNoTemperatureForMode is returned by SetTemperature in dry and fan
	// modes, which have no setpoint.
	ErrNoTemperatureForMode = fmt.Errorf("%w: operation mode has no temperature setpoint", ErrInvalidCommand)

	ErrInvalidMode        = fmt.Errorf("%w: unknown operation mode", ErrInvalidCommand)
	ErrInvalidTemperature = fmt.Errorf("%w: temperature outside 18-32 in 0.5 steps", ErrInvalidCommand)
)

// Lookup errors used by the bridge.
var (
	ErrUnknownAccount = fmt.Errorf("%w: unknown account", ErrConfig)
	ErrUnknownDevice  = fmt.Errorf("%w: unknown device", ErrConfig)
)
