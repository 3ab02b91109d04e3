package onecta

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/onecta-bridge/internal/audit"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/config"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/onecta-bridge/internal/kvstore"
)

type publishedMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]mqtt.MessageHandler
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]mqtt.MessageHandler)}
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMessage{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

func (p *fakePublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
	return nil
}

func (p *fakePublisher) IsConnected() bool { return true }

func (p *fakePublisher) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	p.mu.Lock()
	h, ok := p.handlers["onecta/command/+"]
	p.mu.Unlock()
	require.True(t, ok, "command topic not subscribed")
	require.NoError(t, h(topic, []byte(payload)))
}

func (p *fakePublisher) last(topic string) (publishedMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.published) - 1; i >= 0; i-- {
		if p.published[i].Topic == topic {
			return p.published[i], true
		}
	}
	return publishedMessage{}, false
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (a *fakeAudit) Record(e *audit.Entry) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
}

func (a *fakeAudit) all() []*audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*audit.Entry(nil), a.entries...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	samples  []influxdb.ClimateSample
	outcomes []string
}

func (m *fakeMetrics) WriteClimateSample(s influxdb.ClimateSample) {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

func (m *fakeMetrics) WriteCommandOutcome(_, _, action, outcome string) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, action+":"+outcome)
	m.mu.Unlock()
}

func (m *fakeMetrics) sampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

type bridgeFixture struct {
	bridge  *Bridge
	cloud   *fakeCloud
	idp     *fakeIdP
	pub     *fakePublisher
	audit   *fakeAudit
	metrics *fakeMetrics
	store   kvstore.Store
}

func testBridgeConfig(idpURL, cloudURL string) *config.Config {
	inactive := false
	return &config.Config{
		Onecta: config.OnectaConfig{AuthBaseURL: idpURL, APIBaseURL: cloudURL, HookPath: "/hook"},
		Accounts: []config.AccountConfig{{
			ID:           "home",
			ClientID:     "cid",
			ClientSecret: "secret",
			Scope:        "openid onecta:basic.integration",
			RedirectURI:  "http://localhost:8080/hook/home",
			Timeout:      1000,
		}},
		Devices: []config.DeviceConfig{
			{ID: "living", Account: "home", DeviceID: "dev-1", StatusUpdateInterval: 1800},
			{ID: "spare", Account: "home", DeviceID: "dev-9", Active: &inactive, StatusUpdateInterval: 1800},
		},
		MQTT: config.MQTTConfig{QoS: 1, TopicPrefix: "onecta"},
	}
}

// newBridgeFixture starts a bridge whose account already holds valid tokens.
func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	ctx := context.Background()
	f := &bridgeFixture{
		cloud:   newFakeCloud(t),
		idp:     newFakeIdP(t),
		pub:     newFakePublisher(),
		audit:   &fakeAudit{},
		metrics: &fakeMetrics{},
		store:   kvstore.NewMemoryStore(),
	}
	expiry := time.Now().Add(time.Hour).Unix()
	require.NoError(t, f.store.SetString(ctx, "home", "access_token", "stored-access"))
	require.NoError(t, f.store.SetInt(ctx, "home", "access_token_valid_until", expiry))
	require.NoError(t, f.store.SetString(ctx, "home", "refresh_token", "stored-refresh"))

	b, err := NewBridge(BridgeOptions{
		Config:    testBridgeConfig(f.idp.URL, f.cloud.URL),
		Store:     f.store,
		Publisher: f.pub,
		Audit:     f.audit,
		Metrics:   f.metrics,
		Version:   "test",
	})
	require.NoError(t, err)
	f.bridge = b

	require.NoError(t, b.Start(ctx))
	t.Cleanup(b.Stop)

	living, err := b.Device("living")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, s := living.State()
		return s == SyncReady
	}, 2*time.Second, 10*time.Millisecond)
	return f
}

func TestNewBridge_Validation(t *testing.T) {
	_, err := NewBridge(BridgeOptions{Store: kvstore.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrConfig)

	cfg := testBridgeConfig("http://idp", "http://cloud")
	cfg.Devices[0].Account = "nobody"
	_, err = NewBridge(BridgeOptions{Config: cfg, Store: kvstore.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestBridge_StartLoadsTokensAndPolls(t *testing.T) {
	f := newBridgeFixture(t)

	acc, err := f.bridge.Account("home")
	require.NoError(t, err)
	status := acc.Status()
	assert.Equal(t, StatusActive, status.Status)
	assert.True(t, status.Registered)
	assert.Equal(t, "stored-a...", status.AccessToken)
	assert.Equal(t, []string{"living", "spare"}, status.Devices)

	var msg publishedMessage
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = f.pub.last("onecta/state/living")
		return ok && f.metrics.sampleCount() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, msg.Retained)
	var state StateMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &state))
	assert.Equal(t, SyncReady, state.Status)
	assert.Equal(t, 23.5, state.State.RoomTemperature)

	spare, err := f.bridge.Device("spare")
	require.NoError(t, err)
	_, s := spare.State()
	assert.Equal(t, SyncUninitialized, s, "inactive devices are not polled")
}

func TestBridge_MQTTCommandIsExecutedAndAcknowledged(t *testing.T) {
	f := newBridgeFixture(t)

	f.pub.deliver(t, "onecta/command/living", `{"id":"cmd-1","command":"set_temperature","value":22.5}`)

	require.Eventually(t, func() bool {
		_, ok := f.pub.last("onecta/ack/living")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ackMsg, _ := f.pub.last("onecta/ack/living")
	var ack AckMessage
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ack))
	assert.Equal(t, "cmd-1", ack.CommandID)
	assert.Equal(t, AckAccepted, ack.Status)
	assert.Nil(t, ack.Error)

	req, ok := f.cloud.last(http.MethodPatch)
	require.True(t, ok)
	assert.JSONEq(t, `{"path":"/operationModes/cooling/setpoints/roomTemperature","value":22.5}`, req.Body)
	assert.Equal(t, "Bearer stored-access", req.Auth)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionSetTemperature, entries[0].Action)
	assert.Equal(t, "living", entries[0].EntityID)
	assert.Equal(t, "home", entries[0].Account)
	assert.Equal(t, audit.SourceMQTT, entries[0].Source)
	assert.Equal(t, audit.OutcomeCommitted, entries[0].Outcome)
}

func TestBridge_MQTTCommandRejections(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		payload  string
		wantCode string
		audited  bool
	}{
		{"out of range", "living", `{"id":"c","command":"set_temperature","value":40}`, ErrCodeInvalidValue, true},
		{"unknown command", "living", `{"id":"c","command":"reboot"}`, ErrCodeInvalidCommand, false},
		{"bad json", "living", `{`, ErrCodeInvalidCommand, false},
		{"unknown device", "garage", `{"id":"c","command":"set_power","value":true}`, ErrCodeUnknownDevice, false},
		{"inactive device", "spare", `{"id":"c","command":"set_power","value":true}`, ErrCodeDeviceInactive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			f.pub.deliver(t, "onecta/command/"+tt.device, tt.payload)

			var ackMsg publishedMessage
			require.Eventually(t, func() bool {
				var ok bool
				ackMsg, ok = f.pub.last("onecta/ack/" + tt.device)
				return ok
			}, 2*time.Second, 10*time.Millisecond)

			var ack AckMessage
			require.NoError(t, json.Unmarshal(ackMsg.Payload, &ack))
			assert.Equal(t, AckFailed, ack.Status)
			require.NotNil(t, ack.Error)
			assert.Equal(t, tt.wantCode, ack.Error.Code)
			assert.Equal(t, 0, f.cloud.count(http.MethodPatch))

			entries := f.audit.all()
			if tt.audited {
				require.Len(t, entries, 1)
				assert.Equal(t, audit.OutcomeRejected, entries[0].Outcome)
			} else {
				assert.Empty(t, entries)
			}
		})
	}
}

func TestBridge_ExecuteCommandReverted(t *testing.T) {
	f := newBridgeFixture(t)
	f.cloud.setPatchStatus(http.StatusInternalServerError)

	err := f.bridge.ExecuteCommand(context.Background(), "living", DeviceCommand{Action: ActionSetPower, Power: false}, audit.SourceAPI)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	living, _ := f.bridge.Device("living")
	st, _ := living.State()
	assert.True(t, st.Power)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeReverted, entries[0].Outcome)
	assert.Equal(t, audit.SourceAPI, entries[0].Source)
	assert.Contains(t, entries[0].Details, "error")
}

func TestBridge_StateListener(t *testing.T) {
	f := newBridgeFixture(t)

	got := make(chan StateMessage, 4)
	f.bridge.AddStateListener(func(m StateMessage) { got <- m })

	require.NoError(t, f.bridge.ExecuteCommand(context.Background(), "living",
		DeviceCommand{Action: ActionSetMode, Mode: ModeHeat}, audit.SourceAPI))

	timeout := time.After(time.Second)
	for {
		select {
		case m := <-got:
			assert.Equal(t, "living", m.Device)
			if m.State.Mode == ModeHeat {
				return
			}
		case <-timeout:
			t.Fatal("no heating state delivered to listener")
		}
	}
}

func TestBridge_Discover(t *testing.T) {
	f := newBridgeFixture(t)

	res, err := f.bridge.Discover(context.Background(), "home")
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, []string{"living"}, res.Devices[0].Provisioned)
	assert.Equal(t, []string{"spare"}, res.Orphaned)

	_, err = f.bridge.Discover(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestBridge_HealthAndStop(t *testing.T) {
	f := newBridgeFixture(t)

	h, err := f.bridge.Health("home")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Equal(t, StatusActive, h.GatewayStatus)
	assert.Equal(t, 2, h.Devices)
	assert.Equal(t, 1, h.Ready)
	assert.Equal(t, "test", h.Version)

	acc, _ := f.bridge.Account("home")
	require.NoError(t, acc.Vault.Clear(context.Background()))

	msg, ok := f.pub.last("onecta/health/home")
	require.True(t, ok)
	var published HealthMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &published))
	assert.Equal(t, HealthUnavailable, published.Status)
	assert.Equal(t, StatusNotRegistered, published.GatewayStatus)

	f.bridge.Stop()
	msg, _ = f.pub.last("onecta/health/home")
	require.NoError(t, json.Unmarshal(msg.Payload, &published))
	assert.Equal(t, HealthStopping, published.Status)
}
