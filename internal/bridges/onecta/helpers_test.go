package onecta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// descriptorCooling lists the gateway point first so lookups by position
// would pick the wrong one.
const descriptorCooling = `{
  "id": "dev-1",
  "deviceModel": "dx4",
  "managementPoints": [
    {"embeddedId": "gateway", "managementPointType": "gateway",
     "modelInfo": {"value": "BRP069C4x"}, "serialNumber": {"value": "SN-0001"}},
    {"embeddedId": "climateControl", "managementPointType": "climateControl",
     "onOffMode": {"settable": true, "value": "on"},
     "operationMode": {"settable": true, "value": "cooling"},
     "temperatureControl": {"value": {"operationModes": {
       "cooling": {"setpoints": {"roomTemperature": {"value": 24}}},
       "heating": {"setpoints": {"roomTemperature": {"value": 21.5}}},
       "auto": {"setpoints": {"roomTemperature": {"value": 22}}}
     }}},
     "sensoryData": {"value": {
       "roomTemperature": {"value": 23.5},
       "outdoorTemperature": {"value": 12}
     }}}
  ]
}`

// descriptorWith returns descriptorCooling with the climateControl
// characteristics replaced by extra.
func descriptorWith(extra string) string {
	return fmt.Sprintf(`{
  "id": "dev-1",
  "deviceModel": "dx4",
  "managementPoints": [
    {"embeddedId": "gateway"},
    {"embeddedId": "climateControl"%s}
  ]
}`, extra)
}

type cloudRequest struct {
	Method      string
	Path        string
	Auth        string
	ContentType string
	Accept      string
	Body        string
}

// fakeCloud is an in-process Onecta API.
type fakeCloud struct {
	*httptest.Server

	mu          sync.Mutex
	requests    []cloudRequest
	descriptor  string
	devices     string
	patchStatus int
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	c := &fakeCloud{
		descriptor:  descriptorCooling,
		devices:     "[" + descriptorCooling + "]",
		patchStatus: http.StatusNoContent,
	}
	c.Server = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.Close)
	return c
}

func (c *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	c.mu.Lock()
	c.requests = append(c.requests, cloudRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		Auth:        r.Header.Get("Authorization"),
		ContentType: r.Header.Get("Content-Type"),
		Accept:      r.Header.Get("Accept"),
		Body:        string(body),
	})
	descriptor, devices, patchStatus := c.descriptor, c.devices, c.patchStatus
	c.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/sites":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"site-1","name":"Home"}]`)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/gateway-devices":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, devices)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/gateway-devices/"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, descriptor)
	case r.Method == http.MethodPatch:
		w.WriteHeader(patchStatus)
	default:
		http.NotFound(w, r)
	}
}

func (c *fakeCloud) setDescriptor(s string) {
	c.mu.Lock()
	c.descriptor = s
	c.mu.Unlock()
}

func (c *fakeCloud) setDevices(s string) {
	c.mu.Lock()
	c.devices = s
	c.mu.Unlock()
}

func (c *fakeCloud) setPatchStatus(code int) {
	c.mu.Lock()
	c.patchStatus = code
	c.mu.Unlock()
}

func (c *fakeCloud) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (c *fakeCloud) last(method string) (cloudRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.requests) - 1; i >= 0; i-- {
		if c.requests[i].Method == method {
			return c.requests[i], true
		}
	}
	return cloudRequest{}, false
}

// fakeIdP is an in-process token endpoint. By default every call returns a
// new numbered token pair valid for an hour.
type fakeIdP struct {
	*httptest.Server

	mu      sync.Mutex
	forms   []url.Values
	respond func(n int, form url.Values) (int, string)
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{}
	f.respond = func(n int, _ url.Values) (int, string) {
		return http.StatusOK, tokenJSON(fmt.Sprintf("access-%d", n), fmt.Sprintf("refresh-%d", n), 3600)
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.forms = append(f.forms, r.PostForm)
		n := len(f.forms)
		respond := f.respond
		f.mu.Unlock()

		status, body := respond(n, r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdP) tokenURL() string {
	return f.URL + "/token"
}

func (f *fakeIdP) setResponder(fn func(n int, form url.Values) (int, string)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeIdP) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forms)
}

func (f *fakeIdP) form(i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[i]
}

func tokenJSON(access, refresh string, expiresIn int) string {
	b, _ := json.Marshal(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    expiresIn,
		"token_type":    "Bearer",
	})
	return string(b)
}

// stubTokens is a fixed TokenSource.
type stubTokens struct {
	token      string
	err        error
	registered bool
}

func (s stubTokens) AccessToken(context.Context) (string, error) { return s.token, s.err }
func (s stubTokens) HasTokens() bool                             { return s.registered }

var readyTokens = stubTokens{token: "tok-123", registered: true}

func newTestGateway(t *testing.T, baseURL string, tokens TokenSource) *CloudGateway {
	t.Helper()
	gw, err := NewCloudGateway(GatewayConfig{
		Account:     "home",
		APIBaseURL:  baseURL,
		Active:      true,
		Credentials: Credentials{ClientID: "cid", ClientSecret: "secret"},
		Scope:       "openid onecta:basic.integration",
		Tokens:      tokens,
	})
	require.NoError(t, err)
	return gw
}
