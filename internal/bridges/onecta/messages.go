package onecta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MQTT payloads exchanged with device clients. Topics are built by
// mqtt.Topics under the configured prefix.

// ActionPoll requests an immediate poll of the device.
const ActionPoll = "poll"

// CommandMessage is sent by a device client to control a unit.
// Topic: {prefix}/command/{device}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Generated if empty.
	ID string `json:"id,omitempty"`

	// Timestamp is when the client issued the command.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Command is one of set_power, set_mode, set_temperature or poll.
	Command string `json:"command"`

	// Value is the command argument:
	//   set_power       true | false
	//   set_mode        "cooling" | "heating" | "dry" | "fanOnly" | "auto"
	//   set_temperature 22.5
	Value json.RawMessage `json:"value,omitempty"`

	// Source identifies the sender, for the audit log.
	Source string `json:"source,omitempty"`
}

// DeviceCommand is a decoded control command. Exactly one value field
// matches Action.
type DeviceCommand struct {
	Action      string
	Power       bool
	Mode        Mode
	Temperature float64
}

// DeviceCommand decodes the message into a DeviceCommand.
func (m CommandMessage) DeviceCommand() (DeviceCommand, error) {
	cmd := DeviceCommand{Action: m.Command}
	var err error
	switch m.Command {
	case ActionSetPower:
		err = decodeValue(m.Value, &cmd.Power)
	case ActionSetMode:
		err = decodeValue(m.Value, &cmd.Mode)
	case ActionSetTemperature:
		err = decodeValue(m.Value, &cmd.Temperature)
	case ActionPoll:
	default:
		return cmd, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, m.Command)
	}
	if err != nil {
		return cmd, fmt.Errorf("%w: %s value: %w", ErrInvalidCommand, m.Command, err)
	}
	return cmd, nil
}

var errMissingValue = errors.New("missing")

// decodeValue rejects an absent or null value, which json.Unmarshal would
// otherwise leave as the zero value.
func decodeValue(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errMissingValue
	}
	return json.Unmarshal(raw, dst)
}

// AckStatus is the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted means the cloud accepted the write, or the poll succeeded.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was rejected or reverted.
	AckFailed AckStatus = "failed"
)

// AckMessage acknowledges a CommandMessage.
// Topic: {prefix}/ack/{device}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes a failed command.
type AckError struct {
	// Code is one of the ErrCode values.
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in AckError.
const (
	ErrCodeInvalidCommand  = "INVALID_COMMAND"
	ErrCodeInvalidValue    = "INVALID_VALUE"
	ErrCodeUnknownDevice   = "UNKNOWN_DEVICE"
	ErrCodeDeviceInactive  = "DEVICE_INACTIVE"
	ErrCodeDeviceNotReady  = "DEVICE_NOT_READY"
	ErrCodeNotAvailable    = "NOT_AVAILABLE_IN_MODE"
	ErrCodeGatewayNotReady = "GATEWAY_NOT_READY"
	ErrCodeAuthUnavailable = "AUTH_UNAVAILABLE"
	ErrCodeCloudRejected   = "CLOUD_REJECTED"
	ErrCodeCloudError      = "CLOUD_ERROR"
)

// StateMessage carries the state of one device.
// Topic: {prefix}/state/{device}
// QoS: configured, Retained: yes
type StateMessage struct {
	Device    string           `json:"device"`
	Account   string           `json:"account"`
	DeviceID  string           `json:"device_id"`
	Timestamp time.Time        `json:"timestamp"`
	Status    SyncStatus       `json:"status"`
	State     LocalDeviceState `json:"state"`
	LastPoll  time.Time        `json:"last_poll,omitzero"`
}

// StateMessage converts a snapshot into its published form.
func (s DeviceSnapshot) StateMessage(at time.Time) StateMessage {
	return StateMessage{
		Device:    s.ID,
		Account:   s.Account,
		DeviceID:  s.DeviceID,
		Timestamp: at,
		Status:    s.Status,
		State:     s.State,
		LastPoll:  s.LastPoll,
	}
}

// HealthStatus summarises an account.
type HealthStatus string

const (
	// HealthHealthy means the gateway is ready and no device is degraded.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means the gateway is ready but a device is degraded
	// or the request budget is exceeded.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnavailable means the gateway is not ready.
	HealthUnavailable HealthStatus = "unavailable"

	// HealthStopping is published on shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports one account.
// Topic: {prefix}/health/{account}
// QoS: configured, Retained: yes
type HealthMessage struct {
	Account       string       `json:"account"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	GatewayStatus Status       `json:"gateway_status"`
	GatewayReason string       `json:"gateway_reason"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Usage         RateUsage    `json:"usage"`

	// TokenValidUntil is the access token expiry, if registered.
	TokenValidUntil time.Time `json:"token_valid_until,omitzero"`

	Devices  int `json:"devices"`
	Ready    int `json:"ready"`
	Degraded int `json:"degraded"`
}
