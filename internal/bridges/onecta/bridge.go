package onecta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/onecta-bridge/internal/audit"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/config"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/onecta-bridge/internal/kvstore"
)

// Publisher is the MQTT client as seen by the bridge.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// AuditSink receives command audit entries. *audit.Recorder implements it.
type AuditSink interface {
	Record(e *audit.Entry)
}

// MetricsSink receives telemetry. *influxdb.Client implements it.
type MetricsSink interface {
	WriteClimateSample(s influxdb.ClimateSample)
	WriteCommandOutcome(account, device, action, outcome string)
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// Config supplies endpoints, accounts, devices and MQTT settings. Required.
	Config *config.Config

	// Store persists tokens. Required.
	Store kvstore.Store

	// Publisher, Audit and Metrics are optional.
	Publisher Publisher
	Audit     AuditSink
	Metrics   MetricsSink

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// TokenHTTPClient is used for token endpoint calls. Optional.
	TokenHTTPClient *http.Client

	// HealthInterval is how often account health is published.
	// Default: 60 seconds.
	HealthInterval time.Duration

	Version string
	Logger  Logger
}

// Account groups the per-account components.
type Account struct {
	ID      string
	Vault   *TokenVault
	Gateway *CloudGateway
	Flow    *AuthorizationFlow

	devices []*DeviceSync
}

// AccountStatus is the operator view of an account. Tokens are redacted.
type AccountStatus struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	StatusText   string    `json:"status_text"`
	Registered   bool      `json:"registered"`
	Unsaved      bool      `json:"unsaved,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ValidUntil   time.Time `json:"valid_until,omitzero"`
	RedirectURI  string    `json:"redirect_uri"`
	Usage        RateUsage `json:"usage"`
	Devices      []string  `json:"devices"`
}

// Status returns the operator view of the account.
func (a *Account) Status() AccountStatus {
	st := a.Vault.State()
	status := a.Gateway.Status()
	out := AccountStatus{
		ID:           a.ID,
		Status:       status,
		StatusText:   status.String(),
		Registered:   !st.IsZero(),
		Unsaved:      a.Vault.Unsaved(),
		AccessToken:  logging.Redact(st.AccessToken),
		RefreshToken: logging.Redact(st.RefreshToken),
		ValidUntil:   st.AccessTokenExpiry,
		RedirectURI:  a.Flow.RedirectURI(),
		Usage:        a.Gateway.Usage(),
		Devices:      make([]string, 0, len(a.devices)),
	}
	for _, d := range a.devices {
		out.Devices = append(out.Devices, d.ID())
	}
	return out
}

// Bridge connects device clients to their accounts' cloud gateways.
type Bridge struct {
	accounts     map[string]*Account
	accountOrder []string
	devices      map[string]*DeviceSync
	deviceOrder  []string

	pub     Publisher
	topics  mqtt.Topics
	qos     byte
	audit   AuditSink
	metrics MetricsSink

	clock          clock.Clock
	logger         Logger
	version        string
	startTime      time.Time
	healthInterval time.Duration

	listenersMu sync.RWMutex
	listeners   []func(StateMessage)

	// Shutdown coordination
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewBridge builds accounts and devices from the configuration. It does no
// I/O; call Start.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: token store is required", ErrConfig)
	}
	cfg := opts.Config

	b := &Bridge{
		accounts:       make(map[string]*Account),
		devices:        make(map[string]*DeviceSync),
		pub:            opts.Publisher,
		topics:         mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		qos:            byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		logger:         orNop(opts.Logger),
		version:        opts.Version,
		healthInterval: opts.HealthInterval,
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.healthInterval <= 0 {
		b.healthInterval = 60 * time.Second
	}

	var signer *StateSigner
	if cfg.Security.ValidateState {
		signer = NewStateSigner([]byte(cfg.Security.StateSecret), DefaultStateTTL, b.clock)
	}
	tokenURL := strings.TrimRight(cfg.Onecta.AuthBaseURL, "/") + "/token"

	for _, ac := range cfg.Accounts {
		if _, dup := b.accounts[ac.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate account %q", ErrConfig, ac.ID)
		}
		creds := Credentials{ClientID: ac.ClientID, ClientSecret: ac.ClientSecret}
		logger := b.logger

		vault, err := NewTokenVault(VaultConfig{
			Account:     ac.ID,
			TokenURL:    tokenURL,
			Credentials: creds,
			RedirectURI: ac.RedirectURI,
			Store:       opts.Store,
			HTTPClient:  opts.TokenHTTPClient,
			Clock:       b.clock,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", ac.ID, err)
		}
		gw, err := NewCloudGateway(GatewayConfig{
			Account:        ac.ID,
			APIBaseURL:     cfg.Onecta.APIBaseURL,
			Active:         ac.IsActive(),
			Credentials:    creds,
			Scope:          ac.Scope,
			ConnectTimeout: ac.ConnectTimeout(),
			Tokens:         vault,
			Clock:          b.clock,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", ac.ID, err)
		}
		acc := &Account{
			ID:      ac.ID,
			Vault:   vault,
			Gateway: gw,
			Flow: NewAuthorizationFlow(AuthorizationFlowConfig{
				Account:     ac.ID,
				AuthBaseURL: cfg.Onecta.AuthBaseURL,
				Credentials: creds,
				RedirectURI: ac.RedirectURI,
				Scope:       ac.Scope,
				Exchanger:   vault,
				StateSigner: signer,
				Logger:      logger,
			}),
		}
		vault.SetOnChange(func(TokenState) { b.publishHealth(acc) })

		b.accounts[ac.ID] = acc
		b.accountOrder = append(b.accountOrder, ac.ID)
	}

	for _, dc := range cfg.Devices {
		acc, ok := b.accounts[dc.Account]
		if !ok {
			return nil, fmt.Errorf("device %s: %w: %q", dc.ID, ErrUnknownAccount, dc.Account)
		}
		if _, dup := b.devices[dc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate device %q", ErrConfig, dc.ID)
		}
		d, err := NewDeviceSync(DeviceConfig{
			ID:           dc.ID,
			DeviceID:     dc.DeviceID,
			Account:      dc.Account,
			Active:       dc.IsActive(),
			PollInterval: dc.PollInterval(),
			Gateway:      acc.Gateway,
			Clock:        b.clock,
			Logger:       b.logger,
		})
		if err != nil {
			return nil, err
		}
		d.SetOnChange(b.handleStateChange)
		d.SetOnCommand(b.handleCommandOutcome)

		acc.devices = append(acc.devices, d)
		b.devices[dc.ID] = d
		b.deviceOrder = append(b.deviceOrder, dc.ID)
	}

	return b, nil
}

// Start restores tokens for every account, subscribes to device commands and
// starts the poll and health loops. Loops stop when ctx is cancelled or Stop
// is called.
func (b *Bridge) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, acc := range b.Accounts() {
		g.Go(func() error {
			if err := acc.Vault.Load(gctx); err != nil {
				return fmt.Errorf("account %s: %w", acc.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}

	b.startTime = b.clock.Now()
	b.ctx, b.ctxCancel = context.WithCancel(ctx)

	if b.pub != nil {
		if err := b.pub.Subscribe(b.topics.AllCommands(), b.qos, b.handleMQTTCommand); err != nil {
			b.ctxCancel()
			return fmt.Errorf("subscribing to device commands: %w", err)
		}
	}

	for _, d := range b.Devices() {
		if !d.Active() {
			b.logger.Info("device inactive, not polling", "device", d.ID())
			continue
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			d.Run(b.ctx)
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runHealth(b.ctx)
	}()

	b.logger.Info("onecta bridge started",
		"accounts", len(b.accounts),
		"devices", len(b.devices))
	return nil
}

// Stop cancels the loops, waits for them and publishes a stopping health
// message per account. Safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.ctxCancel != nil {
			b.ctxCancel()
		}
		b.wg.Wait()
		for _, acc := range b.Accounts() {
			msg := b.healthMessage(acc)
			msg.Status = HealthStopping
			b.publishJSON(b.topics.Health(acc.ID), msg, true)
		}
		b.logger.Info("onecta bridge stopped")
	})
}

// Accounts returns the accounts in configuration order.
func (b *Bridge) Accounts() []*Account {
	out := make([]*Account, 0, len(b.accountOrder))
	for _, id := range b.accountOrder {
		out = append(out, b.accounts[id])
	}
	return out
}

// Account returns one account.
func (b *Bridge) Account(id string) (*Account, error) {
	acc, ok := b.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return acc, nil
}

// Devices returns the devices in configuration order.
func (b *Bridge) Devices() []*DeviceSync {
	out := make([]*DeviceSync, 0, len(b.deviceOrder))
	for _, id := range b.deviceOrder {
		out = append(out, b.devices[id])
	}
	return out
}

// Device returns one device by local id.
func (b *Bridge) Device(id string) (*DeviceSync, error) {
	d, ok := b.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return d, nil
}

// AddStateListener registers fn to receive every published device state.
func (b *Bridge) AddStateListener(fn func(StateMessage)) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

// Discover lists the remote devices of an account and matches them with the
// configured devices.
func (b *Bridge) Discover(ctx context.Context, accountID string) (*DiscoveryResult, error) {
	acc, err := b.Account(accountID)
	if err != nil {
		return nil, err
	}
	provisioned := make([]ProvisionedDevice, 0, len(acc.devices))
	for _, d := range acc.devices {
		provisioned = append(provisioned, ProvisionedDevice{ID: d.ID(), DeviceID: d.DeviceID()})
	}
	return Discover(ctx, acc.Gateway, accountID, provisioned)
}

// Dispatch runs a raw command envelope against an account's gateway.
// Characteristic writes are audited; device mirrors see them on their next
// poll.
func (b *Bridge) Dispatch(ctx context.Context, accountID string, cmd Command, source string) (Response, error) {
	acc, err := b.Account(accountID)
	if err != nil {
		return Response{}, err
	}
	resp, err := acc.Gateway.Dispatch(ctx, cmd)
	if cmd.Name != CommandUpdateCharacteristic {
		return resp, err
	}

	entry := &audit.Entry{
		Action:     cmd.Name,
		EntityType: "gateway_device",
		EntityID:   cmd.Params["deviceID"],
		Account:    acc.ID,
		Source:     source,
		Outcome:    audit.OutcomeCommitted,
		Details: map[string]any{
			"embedded_id":    cmd.Params["embeddedID"],
			"characteristic": cmd.Params["name"],
			"http_code":      resp.HTTPStatus,
		},
		CreatedAt: b.clock.Now().UTC(),
	}
	if err != nil {
		entry.Outcome = audit.OutcomeRejected
		entry.Details["error"] = err.Error()
	}
	if b.audit != nil {
		b.audit.Record(entry)
	}
	return resp, err
}

// ExecuteCommand runs a control command against a device and records it in
// the audit log. Temperatures are range-checked here, before any state
// changes.
func (b *Bridge) ExecuteCommand(ctx context.Context, deviceID string, cmd DeviceCommand, source string) error {
	d, err := b.Device(deviceID)
	if err != nil {
		return err
	}

	var value any
	switch cmd.Action {
	case ActionSetPower:
		value = cmd.Power
		err = d.SetPower(ctx, cmd.Power)
	case ActionSetMode:
		value = cmd.Mode.String()
		err = d.SetMode(ctx, cmd.Mode)
	case ActionSetTemperature:
		value = cmd.Temperature
		if err = ValidateSetpoint(cmd.Temperature); err == nil {
			err = d.SetTemperature(ctx, cmd.Temperature)
		}
	case ActionPoll:
		return d.Poll(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Action)
	}

	entry := &audit.Entry{
		Action:     cmd.Action,
		EntityType: "device",
		EntityID:   d.ID(),
		Account:    d.Account(),
		Source:     source,
		Outcome:    OutcomeOf(err),
		Details:    map[string]any{"value": value, "device_id": d.DeviceID()},
		CreatedAt:  b.clock.Now().UTC(),
	}
	if err != nil {
		entry.Details["error"] = err.Error()
	}
	if b.audit != nil {
		b.audit.Record(entry)
	}
	return err
}

// handleMQTTCommand decodes a command and runs it in the background so a
// slow cloud call does not hold up the MQTT client.
func (b *Bridge) handleMQTTCommand(topic string, payload []byte) error {
	device, ok := b.topics.DeviceFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.publishAck(device, CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	cmd, err := msg.DeviceCommand()
	if err != nil {
		b.publishAck(device, msg, err)
		return nil
	}
	source := msg.Source
	if source == "" {
		source = audit.SourceMQTT
	}
	if b.ctx.Err() != nil {
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.ExecuteCommand(b.ctx, device, cmd, source)
		if err != nil {
			b.logger.Warn("mqtt command failed", "device", device, "command", msg.Command, "error", err)
		}
		b.publishAck(device, msg, err)
	}()
	return nil
}

func (b *Bridge) publishAck(device string, msg CommandMessage, err error) {
	ack := AckMessage{
		CommandID: msg.ID,
		Timestamp: b.clock.Now().UTC(),
		Device:    device,
		Command:   msg.Command,
		Status:    AckAccepted,
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = &AckError{Code: ackCode(err), Message: err.Error()}
	}
	b.publishJSON(b.topics.Ack(device), ack, false)
}

func ackCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeUnknownDevice
	case errors.Is(err, ErrDeviceInactive):
		return ErrCodeDeviceInactive
	case errors.Is(err, ErrDeviceNotReady):
		return ErrCodeDeviceNotReady
	case errors.Is(err, ErrNoTemperatureForMode):
		return ErrCodeNotAvailable
	case errors.Is(err, ErrInvalidTemperature), errors.Is(err, ErrInvalidMode):
		return ErrCodeInvalidValue
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrGatewayNotReady):
		return ErrCodeGatewayNotReady
	case errors.Is(err, ErrAuthUnavailable):
		return ErrCodeAuthUnavailable
	case errors.Is(err, ErrUnexpectedStatus):
		return ErrCodeCloudRejected
	default:
		return ErrCodeCloudError
	}
}

func (b *Bridge) handleStateChange(snap DeviceSnapshot) {
	msg := snap.StateMessage(b.clock.Now().UTC())
	b.publishJSON(b.topics.State(snap.ID), msg, true)

	if b.metrics != nil && snap.Status == SyncReady {
		b.metrics.WriteClimateSample(influxdb.ClimateSample{
			Account:            snap.Account,
			Device:             snap.ID,
			Power:              snap.State.Power,
			Mode:               snap.State.Mode.String(),
			Setpoint:           snap.State.SetpointTemperature,
			RoomTemperature:    snap.State.RoomTemperature,
			OutdoorTemperature: snap.State.OutdoorTemperature,
			Time:               msg.Timestamp,
		})
	}

	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func (b *Bridge) handleCommandOutcome(o CommandOutcome) {
	if b.metrics != nil {
		b.metrics.WriteCommandOutcome(o.Account, o.Device, o.Action, o.Outcome)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	if b.pub == nil || !b.pub.IsConnected() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encoding mqtt payload", "topic", topic, "error", err)
		return
	}
	if err := b.pub.Publish(topic, payload, b.qos, retained); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}
