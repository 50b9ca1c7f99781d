package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/journal"
	"github.com/nerrad567/powertime-core/internal/plugin"
)

// switchRequest is the body of PUT /channels/{channel}.
type switchRequest struct {
	On *bool `json:"on"`
}

// handleListChannels lists the channels in order. The list is empty while
// the plugin is not active.
func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    s.plugin.State().String(),
		"channels": sortedChannels(s.plugin.ChannelInfo()),
	})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	if s.plugin.State() != plugin.StateActive {
		writeConflict(w, "plugin is not active")
		return
	}
	ci, found := s.plugin.ChannelInfo()[ch]
	if !found {
		writeNotFound(w, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, ci)
}

// handleSwitchChannel turns a channel on or off. The caller is recorded as
// the switch origin.
func (s *Server) handleSwitchChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.On == nil {
		writeBadRequest(w, `"on" is required`)
		return
	}

	ctx := plugin.WithOrigin(r.Context(), switchOrigin(r))
	if err := s.plugin.Switch(ctx, ch, *req.On); err != nil {
		s.writeSwitchError(w, ch, err)
		return
	}

	writeJSON(w, http.StatusOK, s.plugin.ChannelInfo()[ch])
}

func (s *Server) writeSwitchError(w http.ResponseWriter, ch int, err error) {
	if errors.Is(err, icse.ErrTransport) {
		s.logger.Warn("relay write failed", "channel", ch, "error", err)
	}
	if writeRelayError(w, err) {
		return
	}
	s.logger.Error("channel switch failed", "channel", ch, "error", err)
	writeInternalError(w, "switch failed")
}

// handleChannelHistory returns the journal of one channel, newest first.
func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	filter, ok := historyFilter(w, r)
	if !ok {
		return
	}
	filter.Channel = journal.OnChannel(ch)
	s.writeHistory(w, r, filter)
}

// handleHistory returns the journal across channels. Optional query
// parameters: channel, port, since, limit, offset.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := historyFilter(w, r)
	if !ok {
		return
	}
	if v := r.URL.Query().Get("channel"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil || ch < 0 {
			writeBadRequest(w, "channel must be a non-negative integer")
			return
		}
		filter.Channel = journal.OnChannel(ch)
	}
	filter.Port = r.URL.Query().Get("port")
	s.writeHistory(w, r, filter)
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, filter journal.Filter) {
	if s.history == nil {
		writeUnavailable(w, "switch journal not configured")
		return
	}
	res, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("reading switch journal", "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// historyFilter parses since, limit and offset.
func historyFilter(w http.ResponseWriter, r *http.Request) (journal.Filter, bool) {
	q := r.URL.Query()
	var f journal.Filter

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return f, false
		}
		f.Since = t
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return f, false
		}
		*dst = n
	}
	return f, true
}

// channelParam parses the {channel} URL parameter.
func channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil || ch < 0 {
		writeBadRequest(w, "channel must be a non-negative integer")
		return 0, false
	}
	return ch, true
}

func sortedChannels(info map[int]plugin.ChannelInfo) []plugin.ChannelInfo {
	out := make([]plugin.ChannelInfo, 0, len(info))
	for _, ci := range info {
		out = append(out, ci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
