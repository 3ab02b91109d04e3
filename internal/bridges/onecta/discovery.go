package onecta

import (
	"context"
	"fmt"
	"sort"
)

// DeviceLister lists the remote devices of an account.
type DeviceLister interface {
	ListDevices(ctx context.Context) (Response, error)
}

// ProvisionedDevice is a locally configured device client.
type ProvisionedDevice struct {
	ID       string
	DeviceID string
}

// DiscoveredDevice is one remote device with its local matches.
type DiscoveredDevice struct {
	DeviceID     string   `json:"device_id"`
	DeviceModel  string   `json:"device_model"`
	ModelInfo    string   `json:"model_info,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Provisioned  []string `json:"provisioned,omitempty"`

	// Duplicate is set when more than one local device claims this id.
	Duplicate bool `json:"duplicate,omitempty"`
}

// DiscoveryResult correlates remote devices with provisioned ones.
type DiscoveryResult struct {
	Account string             `json:"account"`
	Devices []DiscoveredDevice `json:"devices"`

	// Orphaned lists local devices whose remote id was not found.
	Orphaned []string `json:"orphaned,omitempty"`
}

// Discover lists the account's devices with a single API call and matches
// them against provisioned by remote id.
func Discover(ctx context.Context, lister DeviceLister, account string, provisioned []ProvisionedDevice) (*DiscoveryResult, error) {
	resp, err := lister.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering devices of %s: %w", account, err)
	}
	list, err := ParseDeviceList(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discovering devices of %s: %w", account, err)
	}

	byRemote := make(map[string][]string)
	for _, p := range provisioned {
		if p.DeviceID != "" {
			byRemote[p.DeviceID] = append(byRemote[p.DeviceID], p.ID)
		}
	}

	result := &DiscoveryResult{Account: account, Devices: make([]DiscoveredDevice, 0, len(list))}
	found := make(map[string]bool, len(list))
	for i := range list {
		desc := &list[i]
		dev := DiscoveredDevice{
			DeviceID:    desc.ID,
			DeviceModel: desc.DeviceModel,
			Provisioned: byRemote[desc.ID],
		}
		if gw, ok := desc.ManagementPoint(EmbeddedIDGateway); ok {
			dev.ModelInfo, _ = gw.String("modelInfo", "value")
			dev.SerialNumber, _ = gw.String("serialNumber", "value")
		}
		dev.Duplicate = len(dev.Provisioned) > 1
		found[desc.ID] = true
		result.Devices = append(result.Devices, dev)
	}

	for _, p := range provisioned {
		if p.DeviceID == "" || !found[p.DeviceID] {
			result.Orphaned = append(result.Orphaned, p.ID)
		}
	}
	sort.Strings(result.Orphaned)
	return result, nil
}
