package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/onecta-bridge/internal/audit"
	"github.com/nerrad567/onecta-bridge/internal/bridges/onecta"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	devices := s.bridge.Devices()
	out := make([]onecta.DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		if account != "" && d.Account() != account {
			continue
		}
		out = append(out, d.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// DeviceStateResponse is the body of GET /devices/{id}/state.
type DeviceStateResponse struct {
	Device string                  `json:"device"`
	Status onecta.SyncStatus       `json:"status"`
	State  onecta.LocalDeviceState `json:"state"`
}

func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	state, status := d.State()
	writeJSON(w, http.StatusOK, DeviceStateResponse{Device: d.ID(), Status: status, State: state})
}

// handleSetDeviceState runs one control command synchronously. The body has
// the same shape as an MQTT command message:
//
//	{"command": "set_temperature", "value": 22.5}
//
// The reply carries the device snapshot after the command, or the error that
// rejected or reverted it.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}

	var msg onecta.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if msg.Command == "" {
		writeBadRequest(w, "command field is required")
		return
	}
	cmd, err := msg.DeviceCommand()
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	if err := s.bridge.ExecuteCommand(r.Context(), d.ID(), cmd, audit.SourceAPI); err != nil {
		s.logger.Info("device command failed",
			"device", d.ID(),
			"command", cmd.Action,
			"outcome", onecta.OutcomeOf(err),
			"error", err,
		)
		writeBridgeError(w, err)
		return
	}

	s.logger.Info("device command committed", "device", d.ID(), "command", cmd.Action)
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// handlePollDevice refreshes the device from the cloud now.
func (s *Server) handlePollDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	cmd := onecta.DeviceCommand{Action: onecta.ActionPoll}
	if err := s.bridge.ExecuteCommand(r.Context(), d.ID(), cmd, audit.SourceAPI); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

// handleManagementPoints returns the raw device descriptor from the cloud,
// for diagnosing characteristics the bridge does not map.
func (s *Server) handleManagementPoints(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	body, err := d.ManagementPoints(r.Context())
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// device resolves the {id} path parameter, writing a 404 on failure.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (*onecta.DeviceSync, bool) {
	d, err := s.bridge.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeBridgeError(w, err)
		return nil, false
	}
	return d, true
}
