package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/powertime-core/internal/discovery"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/plugin/icse0xxa"
	"github.com/nerrad567/powertime-core/internal/registry"
)

// deviceJSON is a persisted or discovered device.
type deviceJSON struct {
	Port        string `json:"port"`
	Model       string `json:"model"`
	Name        string `json:"name,omitempty"`
	Relays      int    `json:"relays,omitempty"`
	Description string `json:"description,omitempty"`
}

type skippedJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Error string `json:"error"`
}

// saveDevicesRequest is the body of PUT /devices. The list replaces the
// persisted set and takes effect on the next activation.
type saveDevicesRequest struct {
	Devices []deviceJSON `json:"devices"`
}

// scanResponse is the body of POST /devices/scan.
type scanResponse struct {
	Found    []deviceJSON    `json:"found"`
	Merged   []deviceJSON    `json:"merged"`
	Failures []deviceFailure `json:"failures"`
	Silent   []string        `json:"silent"`
	Probed   []string        `json:"probed"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeUnavailable(w, "device management not available for this plugin")
		return
	}
	entries, skipped, err := s.devices.Devices(r.Context())
	if err != nil {
		s.logger.Error("reading device registry", "error", err)
		writeInternalError(w, "failed to read device registry")
		return
	}

	out := make([]skippedJSON, 0, len(skipped))
	for _, sk := range skipped {
		out = append(out, skippedJSON{Key: sk.Key, Value: sk.Value, Error: sk.Err.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": entriesJSON(entries),
		"skipped": out,
	})
}

func (s *Server) handleSaveDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeUnavailable(w, "device management not available for this plugin")
		return
	}

	var req saveDevicesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	entries := make([]registry.Entry, 0, len(req.Devices))
	for _, d := range req.Devices {
		model, err := icse.ParseModelHex(d.Model)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, d.Port+": "+err.Error())
			return
		}
		entries = append(entries, registry.Entry{Port: d.Port, Model: model})
	}

	if err := s.devices.SaveDevices(r.Context(), entries); err != nil {
		if writeRelayError(w, err) {
			return
		}
		s.logger.Error("saving device registry", "error", err)
		writeInternalError(w, "failed to save device registry")
		return
	}

	saved, _, err := s.devices.Devices(r.Context())
	if err != nil {
		s.logger.Error("reading device registry", "error", err)
		writeInternalError(w, "saved, but failed to read back the device registry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": entriesJSON(saved)})
}

// handleScanDevices probes the serial ports. It is rejected while the
// plugin is active because the ports are held open.
func (s *Server) handleScanDevices(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeUnavailable(w, "device management not available for this plugin")
		return
	}

	res, err := s.devices.Scan(r.Context())
	if err != nil {
		if writeRelayError(w, err) {
			return
		}
		s.logger.Error("device scan failed", "error", err)
		writeInternalError(w, "scan failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newScanResponse(res))
}

func (s *Server) handleListPorts(w http.ResponseWriter, _ *http.Request) {
	if s.ports == nil {
		writeUnavailable(w, "port enumeration not available")
		return
	}
	ports, err := s.ports.Details()
	if err != nil {
		s.logger.Error("listing serial ports", "error", err)
		writeInternalError(w, "failed to list serial ports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func newScanResponse(res icse0xxa.ScanResult) scanResponse {
	resp := scanResponse{
		Found:    make([]deviceJSON, 0, len(res.Devices)),
		Merged:   entriesJSON(res.Merged),
		Failures: probeFailuresJSON(res.Failures),
		Silent:   nonNil(res.Silent),
		Probed:   nonNil(res.Probed),
	}
	for _, d := range res.Devices {
		resp.Found = append(resp.Found, newDeviceJSON(d.Port(), d.Model()))
	}
	return resp
}

func entriesJSON(entries []registry.Entry) []deviceJSON {
	out := make([]deviceJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, newDeviceJSON(e.Port, e.Model))
	}
	return out
}

func newDeviceJSON(port string, m icse.Model) deviceJSON {
	return deviceJSON{
		Port:        port,
		Model:       m.Hex(),
		Name:        m.Name(),
		Relays:      m.RelayCount(),
		Description: m.Description(),
	}
}

func probeFailuresJSON(failures []discovery.Failure) []deviceFailure {
	out := make([]deviceFailure, 0, len(failures))
	for _, f := range failures {
		out = append(out, deviceFailure{Device: f.Port, Error: f.Err.Error()})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
