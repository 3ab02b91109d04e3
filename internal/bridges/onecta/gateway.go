package onecta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultConnectTimeout applies when the account sets no timeout.
	DefaultConnectTimeout = 5 * time.Second

	// requestTimeout bounds every cloud API call end to end.
	requestTimeout = 60 * time.Second

	maxResponseBytes = 4 << 20
)

// Status is the readiness of a gateway, using the numeric codes shown to
// operators.
type Status int

// Gateway status codes.
const (
	StatusActive              Status = 102
	StatusInactive            Status = 104
	StatusMissingClientID     Status = 201
	StatusMissingClientSecret Status = 202
	StatusMissingScope        Status = 203
	StatusNotRegistered       Status = 204
)

// String returns a human readable description.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusMissingClientID:
		return "client id is missing"
	case StatusMissingClientSecret:
		return "client secret is missing"
	case StatusMissingScope:
		return "scope is missing"
	case StatusNotRegistered:
		return "not registered"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Ready reports whether requests may be sent.
func (s Status) Ready() bool {
	return s == StatusActive
}

// Response is the envelope returned for every cloud call. Body holds the
// JSON document, or the raw text as a JSON string when the reply is not JSON.
type Response struct {
	HTTPStatus int             `json:"http_code"`
	Body       json.RawMessage `json:"body"`
}

// TokenSource supplies bearer tokens. TokenVault implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	HasTokens() bool
}

// GatewayConfig configures a CloudGateway.
type GatewayConfig struct {
	Account     string
	APIBaseURL  string
	Active      bool
	Credentials Credentials
	Scope       string

	// ConnectTimeout bounds TCP connection setup. Zero means 5 seconds.
	ConnectTimeout time.Duration

	Tokens TokenSource
	Clock  clock.Clock
	Logger Logger
}

// CloudGateway is the single authenticated channel from all devices of one
// account to the cloud API. Calls may run concurrently.
type CloudGateway struct {
	account string
	baseURL string
	active  bool
	creds   Credentials
	scope   string
	tokens  TokenSource
	client  *http.Client
	rate    *rateWindow
	logger  Logger
}

// NewCloudGateway creates a gateway.
func NewCloudGateway(cfg GatewayConfig) (*CloudGateway, error) {
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("%w: API base URL is required", ErrConfig)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: token source is required", ErrConfig)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext

	return &CloudGateway{
		account: cfg.Account,
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		active:  cfg.Active,
		creds:   cfg.Credentials,
		scope:   cfg.Scope,
		tokens:  cfg.Tokens,
		client:  &http.Client{Transport: transport, Timeout: requestTimeout},
		rate:    newRateWindow(clk),
		logger:  orNop(cfg.Logger),
	}, nil
}

// Account returns the account key.
func (g *CloudGateway) Account() string {
	return g.account
}

// Status evaluates readiness. Inactivity takes precedence, then missing
// client id, client secret, scope, and finally missing tokens.
func (g *CloudGateway) Status() Status {
	switch {
	case !g.active:
		return StatusInactive
	case g.creds.ClientID == "":
		return StatusMissingClientID
	case g.creds.ClientSecret == "":
		return StatusMissingClientSecret
	case g.scope == "":
		return StatusMissingScope
	case !g.tokens.HasTokens():
		return StatusNotRegistered
	default:
		return StatusActive
	}
}

// Usage returns the request counts of the trailing minute and day.
func (g *CloudGateway) Usage() RateUsage {
	return g.rate.current()
}

// ListSites returns the sites of the account.
func (g *CloudGateway) ListSites(ctx context.Context) (Response, error) {
	return g.get(ctx, "/v1/sites")
}

// ListDevices returns every gateway device with its management points.
func (g *CloudGateway) ListDevices(ctx context.Context) (Response, error) {
	return g.get(ctx, "/v1/gateway-devices")
}

// GetManagementPoints returns the full descriptor of one device.
func (g *CloudGateway) GetManagementPoints(ctx context.Context, deviceID string) (Response, error) {
	return g.get(ctx, "/v1/gateway-devices/"+url.PathEscape(deviceID))
}

// PatchCharacteristic writes one characteristic. Success is a 204 reply.
func (g *CloudGateway) PatchCharacteristic(ctx context.Context, deviceID, embeddedID, name string, body []byte) (Response, error) {
	path := "/v1/gateway-devices/" + url.PathEscape(deviceID) +
		"/management-points/" + url.PathEscape(embeddedID) +
		"/characteristics/" + url.PathEscape(name)
	resp, err := g.do(ctx, http.MethodPatch, path, body)
	if err != nil {
		return resp, err
	}
	if resp.HTTPStatus != http.StatusNoContent {
		return resp, fmt.Errorf("%w: PATCH %s returned %d", ErrUnexpectedStatus, path, resp.HTTPStatus)
	}
	return resp, nil
}

func (g *CloudGateway) get(ctx context.Context, path string) (Response, error) {
	resp, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return resp, err
	}
	if resp.HTTPStatus != http.StatusOK {
		return resp, fmt.Errorf("%w: GET %s returned %d", ErrUnexpectedStatus, path, resp.HTTPStatus)
	}
	return resp, nil
}

// do performs exactly one HTTP attempt after the readiness and token checks.
func (g *CloudGateway) do(ctx context.Context, method, path string, body []byte) (Response, error) {
	if status := g.Status(); !status.Ready() {
		return Response{}, fmt.Errorf("%w: %s (%d)", ErrGatewayNotReady, status, int(status))
	}

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return Response{}, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	if usage := g.rate.record(); usage.Exceeded() {
		g.logger.Warn("cloud API request budget exceeded",
			"account", g.account,
			"last_minute", usage.LastMinute,
			"last_24h", usage.LastDay)
	}

	start := time.Now()
	httpResp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("cloud API request failed", "account", g.account, "method", method, "path", path, "error", err)
		return Response{}, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{HTTPStatus: httpResp.StatusCode}, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}

	g.logger.Debug("cloud API request",
		"account", g.account,
		"method", method,
		"path", path,
		"status", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	return Response{HTTPStatus: httpResp.StatusCode, Body: encodeBody(raw)}, nil
}

// encodeBody keeps a JSON document as is and turns anything else, including
// an empty body, into a JSON string.
func encodeBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	s, _ := json.Marshal(string(raw)) //nolint:errcheck // marshalling a string cannot fail
	return s
}

// Command names accepted by Dispatch.
const (
	CommandGetSites                  = "GetSites"
	CommandGetDevices                = "GetDevices"
	CommandGetDeviceManagementPoints = "GetDeviceManagementPoints"
	CommandUpdateCharacteristic      = "UpdateCharacteristic"
)

// Command is the envelope device clients send to the gateway.
type Command struct {
	Name   string            `json:"command"`
	Params map[string]string `json:"params,omitempty"`
}

// Dispatch routes a command envelope to the matching gateway operation.
func (g *CloudGateway) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	param := func(name string) (string, error) {
		v := cmd.Params[name]
		if v == "" {
			return "", fmt.Errorf("%w: %s requires parameter %q", ErrInvalidCommand, cmd.Name, name)
		}
		return v, nil
	}

	switch cmd.Name {
	case CommandGetSites:
		return g.ListSites(ctx)

	case CommandGetDevices:
		return g.ListDevices(ctx)

	case CommandGetDeviceManagementPoints:
		deviceID, err := param("deviceID")
		if err != nil {
			return Response{}, err
		}
		return g.GetManagementPoints(ctx, deviceID)

	case CommandUpdateCharacteristic:
		var args [4]string
		for i, name := range []string{"deviceID", "embeddedID", "name", "body"} {
			v, err := param(name)
			if err != nil {
				return Response{}, err
			}
			args[i] = v
		}
		return g.PatchCharacteristic(ctx, args[0], args[1], args[2], []byte(args[3]))

	default:
		return Response{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Name)
	}
}
