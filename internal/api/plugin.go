package api

import (
	"net/http"

	"github.com/nerrad567/powertime-core/internal/plugin"
)

// pluginResponse is the body of GET /plugin.
type pluginResponse struct {
	plugin.Info
	State    string                `json:"state"`
	Channels int                   `json:"channels"`
	Devices  []plugin.DeviceStatus `json:"devices"`
}

// activationResponse is the body of a successful POST /plugin/activate.
type activationResponse struct {
	plugin.ActivationReport
	Failures []deviceFailure `json:"failures"`
	Partial  bool            `json:"partial"`
}

type deviceFailure struct {
	Device string `json:"device"`
	Error  string `json:"error"`
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, _ *http.Request) {
	resp := pluginResponse{
		Info:    s.plugin.Info(),
		State:   s.plugin.State().String(),
		Devices: s.plugin.ActiveDevices(),
	}
	if n, err := s.plugin.ChannelCount(); err == nil {
		resp.Channels = n
	}
	if resp.Devices == nil {
		resp.Devices = []plugin.DeviceStatus{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleActivate initialises the configured devices. Partial activation
// is a success; the failed devices are listed in the response.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	report, err := s.plugin.Activate(r.Context())
	if err != nil {
		if !writeRelayError(w, err) {
			s.logger.Error("plugin activation failed", "error", err)
			writeInternalError(w, "activation failed: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, activationResponse{
		ActivationReport: report,
		Failures:         failuresJSON(report.Failures),
		Partial:          report.Partial(),
	})
}

// handleDeactivate closes all devices. The plugin is inactive afterwards
// even when some device failed to close.
func (s *Server) handleDeactivate(w http.ResponseWriter, _ *http.Request) {
	if err := s.plugin.Deactivate(); err != nil {
		s.logger.Warn("errors while closing devices", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   s.plugin.State().String(),
			"warning": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.plugin.State().String()})
}

func failuresJSON(failures []plugin.DeviceFailure) []deviceFailure {
	out := make([]deviceFailure, 0, len(failures))
	for _, f := range failures {
		out = append(out, deviceFailure{Device: f.Device, Error: f.Err.Error()})
	}
	return out
}
