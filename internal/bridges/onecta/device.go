package onecta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/onecta-bridge/internal/audit"
)

// DefaultPollInterval is used when a device sets no interval.
const DefaultPollInterval = 1800 * time.Second

// Command actions reported in CommandOutcome.
const (
	ActionSetPower       = "set_power"
	ActionSetMode        = "set_mode"
	ActionSetTemperature = "set_temperature"
)

// SyncStatus is the synchronisation state of a device.
type SyncStatus int

// Synchronisation states.
const (
	SyncUninitialized SyncStatus = iota
	SyncReady
	SyncDegraded
)

func (s SyncStatus) String() string {
	switch s {
	case SyncUninitialized:
		return "uninitialized"
	case SyncReady:
		return "ready"
	case SyncDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s SyncStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *SyncStatus) UnmarshalText(text []byte) error {
	for _, candidate := range []SyncStatus{SyncUninitialized, SyncReady, SyncDegraded} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown sync status %q", text)
}

// DeviceGateway is the part of CloudGateway a device needs.
type DeviceGateway interface {
	GetManagementPoints(ctx context.Context, deviceID string) (Response, error)
	PatchCharacteristic(ctx context.Context, deviceID, embeddedID, name string, body []byte) (Response, error)
}

// DeviceConfig configures a DeviceSync.
type DeviceConfig struct {
	// ID is the local name of the device client.
	ID string

	// DeviceID is the remote gateway-device id.
	DeviceID string

	Account      string
	Active       bool
	PollInterval time.Duration
	Gateway      DeviceGateway
	Clock        clock.Clock
	Logger       Logger
}

// DeviceSnapshot is a consistent copy of a device's state.
type DeviceSnapshot struct {
	ID          string           `json:"id"`
	DeviceID    string           `json:"device_id"`
	Account     string           `json:"account"`
	Active      bool             `json:"active"`
	Status      SyncStatus       `json:"status"`
	State       LocalDeviceState `json:"state"`
	DeviceModel string           `json:"device_model,omitempty"`
	LastPoll    time.Time        `json:"last_poll,omitzero"`
	LastError   string           `json:"last_error,omitempty"`
}

// CommandOutcome reports one control command.
type CommandOutcome struct {
	Device  string
	Account string
	Action  string
	Value   any
	Outcome string // one of the audit.Outcome* values
	Err     error
	Time    time.Time
}

// DeviceSync mirrors the climate-control state of one remote device.
//
// Commands are serialised per device by cmdMu. mu guards the local state and
// is never held across a gateway call.
type DeviceSync struct {
	id       string
	deviceID string
	account  string
	active   bool
	interval time.Duration
	gw       DeviceGateway
	clock    clock.Clock
	logger   Logger

	cmdMu sync.Mutex

	mu       sync.RWMutex
	state    LocalDeviceState
	status   SyncStatus
	model    string
	lastPoll time.Time
	lastErr  error

	onChange  func(DeviceSnapshot)
	onCommand func(CommandOutcome)
}

// NewDeviceSync creates an uninitialised device.
func NewDeviceSync(cfg DeviceConfig) (*DeviceSync, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrConfig)
	}
	if cfg.DeviceID == "" && cfg.Active {
		return nil, fmt.Errorf("%w: device %s has no remote device id", ErrConfig, cfg.ID)
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: device %s has no gateway", ErrConfig, cfg.ID)
	}
	d := &DeviceSync{
		id:       cfg.ID,
		deviceID: cfg.DeviceID,
		account:  cfg.Account,
		active:   cfg.Active,
		interval: cfg.PollInterval,
		gw:       cfg.Gateway,
		clock:    cfg.Clock,
		logger:   orNop(cfg.Logger),
		state:    newLocalDeviceState(),
	}
	if d.interval <= 0 {
		d.interval = DefaultPollInterval
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	return d, nil
}

// ID returns the local device name.
func (d *DeviceSync) ID() string { return d.id }

// DeviceID returns the remote device id.
func (d *DeviceSync) DeviceID() string { return d.deviceID }

// Account returns the account key.
func (d *DeviceSync) Account() string { return d.account }

// Active reports whether the device is enabled.
func (d *DeviceSync) Active() bool { return d.active }

// SetOnChange registers the state observer. Set before Run.
func (d *DeviceSync) SetOnChange(fn func(DeviceSnapshot)) {
	d.onChange = fn
}

// SetOnCommand registers the command outcome observer. Set before Run.
func (d *DeviceSync) SetOnCommand(fn func(CommandOutcome)) {
	d.onCommand = fn
}

// State returns the local state and sync status.
func (d *DeviceSync) State() (LocalDeviceState, SyncStatus) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state, d.status
}

// Snapshot returns a full copy of the device state.
func (d *DeviceSync) Snapshot() DeviceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *DeviceSync) snapshotLocked() DeviceSnapshot {
	snap := DeviceSnapshot{
		ID:          d.id,
		DeviceID:    d.deviceID,
		Account:     d.account,
		Active:      d.active,
		Status:      d.status,
		State:       d.state,
		DeviceModel: d.model,
		LastPoll:    d.lastPoll,
	}
	if d.lastErr != nil {
		snap.LastError = d.lastErr.Error()
	}
	return snap
}

// Run polls immediately and then on every tick until ctx is done. It
// returns at once for an inactive device.
func (d *DeviceSync) Run(ctx context.Context) {
	if !d.active {
		return
	}
	d.pollAndLog(ctx)

	ticker := d.clock.Ticker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollAndLog(ctx)
		}
	}
}

func (d *DeviceSync) pollAndLog(ctx context.Context) {
	if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("device poll failed", "device", d.id, "error", err)
	}
}

// Poll fetches the device descriptor and applies its climate-control
// values. A failure degrades a Ready device; an uninitialised one stays so.
func (d *DeviceSync) Poll(ctx context.Context) error {
	if !d.active {
		return ErrDeviceInactive
	}

	resp, err := d.gw.GetManagementPoints(ctx, d.deviceID)
	if err != nil {
		d.pollFailed(err)
		return fmt.Errorf("polling %s: %w", d.id, err)
	}
	desc, err := ParseDeviceDescriptor(resp.Body)
	if err != nil {
		d.pollFailed(err)
		return fmt.Errorf("polling %s: %w", d.id, err)
	}
	cc, ok := desc.ManagementPoint(EmbeddedIDClimateControl)
	if !ok {
		d.pollFailed(ErrNoClimateControl)
		return fmt.Errorf("polling %s: %w", d.id, ErrNoClimateControl)
	}

	d.mu.Lock()
	unknownMode := d.state.applyClimateControl(cc)
	d.status = SyncReady
	d.model = desc.DeviceModel
	d.lastPoll = d.clock.Now()
	d.lastErr = nil
	snap := d.snapshotLocked()
	d.mu.Unlock()

	if unknownMode != "" {
		d.logger.Warn("unknown operation mode, keeping previous", "device", d.id, "mode", unknownMode)
	}
	d.logger.Debug("device polled", "device", d.id, "power", snap.State.Power, "mode", snap.State.Mode.String())
	d.emitChange(snap)
	return nil
}

func (d *DeviceSync) pollFailed(err error) {
	d.mu.Lock()
	d.lastErr = err
	changed := d.status == SyncReady
	if changed {
		d.status = SyncDegraded
	}
	snap := d.snapshotLocked()
	d.mu.Unlock()

	if changed {
		d.logger.Warn("device degraded", "device", d.id, "error", err)
		d.emitChange(snap)
	}
}

// degrade marks a Ready device Degraded after a command found the gateway
// unusable.
func (d *DeviceSync) degrade(err error) {
	if !errors.Is(err, ErrGatewayNotReady) && !errors.Is(err, ErrAuthUnavailable) {
		return
	}
	d.pollFailed(err)
}

// ManagementPoints returns the raw descriptor document of the device.
func (d *DeviceSync) ManagementPoints(ctx context.Context) (json.RawMessage, error) {
	resp, err := d.gw.GetManagementPoints(ctx, d.deviceID)
	if err != nil {
		return nil, fmt.Errorf("fetching management points of %s: %w", d.id, err)
	}
	return resp.Body, nil
}

// SetPower switches the unit on or off.
func (d *DeviceSync) SetPower(ctx context.Context, on bool) error {
	value := "off"
	if on {
		value = "on"
	}
	return d.command(ActionSetPower, on, func() error {
		return optimistic(d, powerField, on, func() error {
			return d.patch(ctx, "onOffMode", map[string]string{"value": value})
		})
	})
}

// SetMode changes the operation mode.
func (d *DeviceSync) SetMode(ctx context.Context, m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return d.command(ActionSetMode, m.String(), func() error {
		return optimistic(d, modeField, m, func() error {
			return d.patch(ctx, "operationMode", map[string]string{"value": m.String()})
		})
	})
}

// SetTemperature changes the room temperature setpoint of the current mode.
// In dry and fan modes nothing is sent and ErrNoTemperatureForMode is
// returned.
func (d *DeviceSync) SetTemperature(ctx context.Context, t float64) error {
	return d.command(ActionSetTemperature, t, func() error {
		return optimistic(d, setpointField, t, func() error {
			mode := d.currentMode()
			key, ok := mode.setpointKey()
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoTemperatureForMode, mode)
			}
			return d.patch(ctx, "temperatureControl", temperatureBody{
				Path:  "/operationModes/" + key + "/setpoints/roomTemperature",
				Value: t,
			})
		})
	})
}

type temperatureBody struct {
	Path  string  `json:"path"`
	Value float64 `json:"value"`
}

func (d *DeviceSync) currentMode() Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Mode
}

// command serialises a control action, checks the device can take it and
// reports its outcome.
func (d *DeviceSync) command(action string, value any, run func() error) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.RLock()
	status := d.status
	d.mu.RUnlock()

	var err error
	switch {
	case !d.active:
		err = ErrDeviceInactive
	case status != SyncReady:
		err = fmt.Errorf("%w: %s", ErrDeviceNotReady, status)
	default:
		err = run()
	}

	outcome := OutcomeOf(err)
	switch outcome {
	case audit.OutcomeCommitted:
		d.emitChange(d.Snapshot())
	case audit.OutcomeReverted:
		d.logger.Warn("device command reverted", "device", d.id, "action", action, "error", err)
	}
	d.reportCommand(action, value, outcome, err)
	return err
}

// OutcomeOf classifies the error returned by a device command.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return audit.OutcomeCommitted
	case errors.Is(err, ErrNoTemperatureForMode):
		return audit.OutcomeSkipped
	case errors.Is(err, ErrDeviceInactive), errors.Is(err, ErrDeviceNotReady),
		errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrUnknownDevice):
		return audit.OutcomeRejected
	default:
		return audit.OutcomeReverted
	}
}

func (d *DeviceSync) patch(ctx context.Context, characteristic string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", characteristic, err)
	}
	if _, err := d.gw.PatchCharacteristic(ctx, d.deviceID, EmbeddedIDClimateControl, characteristic, payload); err != nil {
		d.degrade(err)
		return fmt.Errorf("writing %s on %s: %w", characteristic, d.id, err)
	}
	return nil
}

func (d *DeviceSync) emitChange(snap DeviceSnapshot) {
	if d.onChange != nil {
		d.onChange(snap)
	}
}

func (d *DeviceSync) reportCommand(action string, value any, outcome string, err error) {
	if d.onCommand == nil {
		return
	}
	d.onCommand(CommandOutcome{
		Device:  d.id,
		Account: d.account,
		Action:  action,
		Value:   value,
		Outcome: outcome,
		Err:     err,
		Time:    d.clock.Now(),
	})
}
