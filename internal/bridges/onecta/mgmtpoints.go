package onecta

import (
	"encoding/json"
	"fmt"
)

// Well-known management point ids.
const (
	EmbeddedIDGateway        = "gateway"
	EmbeddedIDClimateControl = "climateControl"
)

// DeviceDescriptor is the remote description of one gateway device.
type DeviceDescriptor struct {
	ID               string            `json:"id"`
	DeviceModel      string            `json:"deviceModel"`
	ManagementPoints []ManagementPoint `json:"managementPoints"`
}

// ManagementPoint is one functional unit of a device. Characteristics maps
// each characteristic name to its undecoded JSON value.
type ManagementPoint struct {
	EmbeddedID      string
	Type            string
	Characteristics map[string]json.RawMessage
}

// UnmarshalJSON splits the identity fields from the characteristics.
func (m *ManagementPoint) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["embeddedId"]; ok {
		if err := json.Unmarshal(raw, &m.EmbeddedID); err != nil {
			return fmt.Errorf("embeddedId: %w", err)
		}
		delete(fields, "embeddedId")
	}
	if raw, ok := fields["managementPointType"]; ok {
		_ = json.Unmarshal(raw, &m.Type) //nolint:errcheck // informational only
		delete(fields, "managementPointType")
	}
	m.Characteristics = fields
	return nil
}

// ParseDeviceDescriptor decodes a GetManagementPoints body.
func ParseDeviceDescriptor(body json.RawMessage) (*DeviceDescriptor, error) {
	var d DeviceDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: device descriptor: %w", ErrMalformedResponse, err)
	}
	return &d, nil
}

// ParseDeviceList decodes a ListDevices body.
func ParseDeviceList(body json.RawMessage) ([]DeviceDescriptor, error) {
	var list []DeviceDescriptor
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: device list: %w", ErrMalformedResponse, err)
	}
	return list, nil
}

// ManagementPoint returns the point whose embeddedId matches.
func (d *DeviceDescriptor) ManagementPoint(embeddedID string) (*ManagementPoint, bool) {
	for i := range d.ManagementPoints {
		if d.ManagementPoints[i].EmbeddedID == embeddedID {
			return &d.ManagementPoints[i], true
		}
	}
	return nil, false
}

// Lookup walks path starting at a characteristic name and descending into
// nested objects.
func (m *ManagementPoint) Lookup(path ...string) (json.RawMessage, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur, ok := m.Characteristics[path[0]]
	if !ok {
		return nil, false
	}
	for _, key := range path[1:] {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path.
func (m *ManagementPoint) String(path ...string) (string, bool) {
	raw, ok := m.Lookup(path...)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Float returns the number at path.
func (m *ManagementPoint) Float(path ...string) (float64, bool) {
	raw, ok := m.Lookup(path...)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}
