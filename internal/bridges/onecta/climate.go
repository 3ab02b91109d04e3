package onecta

import (
	"encoding/json"
	"fmt"
	"math"
)

// Mode is the operation mode of a climate-control unit.
type Mode int

// Operation modes.
const (
	ModeCool Mode = iota
	ModeHeat
	ModeDry
	ModeFan
	ModeAuto
)

var modeNames = [...]string{
	ModeCool: "cooling",
	ModeHeat: "heating",
	ModeDry:  "dry",
	ModeFan:  "fanOnly",
	ModeAuto: "auto",
}

// String returns the cloud API name of the mode.
func (m Mode) String() string {
	if m.Valid() {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= ModeCool && m <= ModeAuto
}

// ParseMode converts a cloud API mode name.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// setpointKey returns the operationModes key holding the room temperature
// setpoint for m. Auto shares the heating setpoint. Dry and fan have none.
func (m Mode) setpointKey() (string, bool) {
	switch m {
	case ModeCool:
		return "cooling", true
	case ModeHeat, ModeAuto:
		return "heating", true
	default:
		return "", false
	}
}

// Setpoint limits for commands from device clients.
const (
	DefaultSetpoint = 18.0
	MinSetpoint     = 18.0
	MaxSetpoint     = 32.0
	SetpointStep    = 0.5
)

// ValidateSetpoint checks t against the supported range and step.
func ValidateSetpoint(t float64) error {
	if math.IsNaN(t) || t < MinSetpoint || t > MaxSetpoint {
		return fmt.Errorf("%w: %v", ErrInvalidTemperature, t)
	}
	if steps := (t - MinSetpoint) / SetpointStep; steps != math.Trunc(steps) {
		return fmt.Errorf("%w: %v", ErrInvalidTemperature, t)
	}
	return nil
}

// LocalDeviceState is the flat view of one climate-control unit.
type LocalDeviceState struct {
	Power               bool    `json:"power"`
	Mode                Mode    `json:"mode"`
	SetpointTemperature float64 `json:"setpoint"`
	RoomTemperature     float64 `json:"room_temperature"`
	OutdoorTemperature  float64 `json:"outdoor_temperature"`
}

// newLocalDeviceState returns the state of a device never polled.
func newLocalDeviceState() LocalDeviceState {
	return LocalDeviceState{SetpointTemperature: DefaultSetpoint}
}

// applyClimateControl copies every present field of the climateControl
// point into s. Fields are independent: a missing or malformed one leaves
// the local value untouched. It returns an unrecognised mode name, if any.
func (s *LocalDeviceState) applyClimateControl(cc *ManagementPoint) (unknownMode string) {
	if v, ok := cc.String("onOffMode", "value"); ok {
		s.Power = v == "on"
	}
	if v, ok := cc.String("operationMode", "value"); ok {
		if m, err := ParseMode(v); err == nil {
			s.Mode = m
		} else {
			unknownMode = v
		}
	}
	if key, ok := s.Mode.setpointKey(); ok {
		if t, ok := cc.Float("temperatureControl", "value", "operationModes", key,
			"setpoints", "roomTemperature", "value"); ok {
			s.SetpointTemperature = t
		}
	}
	if t, ok := cc.Float("sensoryData", "value", "roomTemperature", "value"); ok {
		s.RoomTemperature = t
	}
	if t, ok := cc.Float("sensoryData", "value", "outdoorTemperature", "value"); ok {
		s.OutdoorTemperature = t
	}
	return unknownMode
}
