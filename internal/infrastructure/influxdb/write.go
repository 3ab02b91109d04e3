package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementClimate = "climate"
	measurementCommand = "climate_command"
)

// ClimateSample is one polled snapshot of an air conditioner.
type ClimateSample struct {
	Account            string
	Device             string
	Power              bool
	Mode               string
	Setpoint           float64
	RoomTemperature    float64
	OutdoorTemperature float64
	Time               time.Time
}

// WriteClimateSample records a polled state as one point tagged by
// account, device and mode.
func (c *Client) WriteClimateSample(s ClimateSample) {
	if !c.IsConnected() {
		return
	}

	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(
		measurementClimate,
		map[string]string{
			"account": s.Account,
			"device":  s.Device,
			"mode":    s.Mode,
		},
		map[string]any{
			"power":               s.Power,
			"setpoint":            s.Setpoint,
			"room_temperature":    s.RoomTemperature,
			"outdoor_temperature": s.OutdoorTemperature,
		},
		ts,
	))
}

// WriteCommandOutcome records the result of a control command so reverted
// commands can be charted next to the temperatures they affected.
func (c *Client) WriteCommandOutcome(account, device, action, outcome string) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		measurementCommand,
		map[string]string{
			"account": account,
			"device":  device,
			"action":  action,
			"outcome": outcome,
		},
		map[string]any{"count": 1},
		time.Now(),
	))
}
