package relay

import (
	"time"

	"github.com/google/uuid"
)

// Commands accepted on the command topic.
const (
	CommandOn     = "on"
	CommandOff    = "off"
	CommandToggle = "toggle"
)

// CommandMessage requests a channel switch.
// Topic: {prefix}/command/relay/{channel}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	// Timestamp is when the command was issued.
	Timestamp time.Time `json:"timestamp"`

	// Command is "on", "off" or "toggle".
	Command string `json:"command"`

	// Source names the issuing system ("billing", "automation"). It is
	// recorded as the switch origin; "mqtt" when empty.
	Source string `json:"source,omitempty"`

	// UserID is the operator who triggered the command, if any.
	UserID string `json:"user_id,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the relay was switched.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was not carried out.
	AckFailed AckStatus = "failed"
)

// Error codes carried in AckError.Code.
const (
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeInvalidChannel = "INVALID_CHANNEL"
	ErrCodeNotActivated   = "NOT_ACTIVATED"
	ErrCodeDeviceBusy     = "DEVICE_BUSY"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeSwitchFailed   = "SWITCH_FAILED"
)

// AckMessage answers a CommandMessage.
// Topic: {prefix}/ack/relay/{channel}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   int       `json:"channel"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`

	// On is the relay state after an accepted command.
	On *bool `json:"on,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError details a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is the retained state of one channel.
// Topic: {prefix}/state/relay/{channel}
type StateMessage struct {
	Channel   int       `json:"channel"`
	On        bool      `json:"on"`
	Port      string    `json:"port"`
	Local     int       `json:"local_index"`
	Register  uint8     `json:"register"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the bridge health.
type HealthStatus string

const (
	// HealthStarting is published once while the bridge subscribes.
	HealthStarting HealthStatus = "starting"

	// HealthHealthy means the plugin is active and commands can be served.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means the bridge runs but commands will fail.
	HealthDegraded HealthStatus = "degraded"

	// HealthStopping is published on shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained bridge health.
// Topic: {prefix}/health/relay
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	PluginState   string       `json:"plugin_state"`
	Active        bool         `json:"active"`
	Channels      int          `json:"channels"`
	Devices       int          `json:"devices"`
	Reason        string       `json:"reason,omitempty"`
}

// NewAckMessage builds an accepted acknowledgement.
func NewAckMessage(cmd CommandMessage, channel int, on bool) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Command:   cmd.Command,
		Status:    AckAccepted,
		On:        &on,
	}
}

// NewAckError builds a failed acknowledgement.
func NewAckError(cmd CommandMessage, channel int, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Command:   cmd.Command,
		Status:    AckFailed,
		Error:     &AckError{Code: code, Message: message},
	}
}

// normalise fills the fields a sender may leave out.
func (m *CommandMessage) normalise() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Source == "" {
		m.Source = "mqtt"
	}
}
