package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/powertime-core/internal/channel"
	"github.com/nerrad567/powertime-core/internal/icse"
	"github.com/nerrad567/powertime-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/powertime-core/internal/plugin"
)

// commandTimeout bounds one switch requested over MQTT.
const commandTimeout = 5 * time.Second

// DefaultBridgeID names the bridge in health messages.
const DefaultBridgeID = "relay-bridge"

// Logger is the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MQTTClient is the part of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Plugin is the part of plugin.Plugin the bridge drives.
type Plugin interface {
	PluginStatus
	Switch(ctx context.Context, channel int, enabled bool) error
}

// Options holds the bridge dependencies.
type Options struct {
	MQTTClient MQTTClient
	Plugin     Plugin
	Topics     mqtt.Topics

	// BridgeID defaults to DefaultBridgeID.
	BridgeID string
	Version  string

	// HealthInterval defaults to 30 seconds.
	HealthInterval time.Duration

	Logger Logger
}

// Bridge translates MQTT commands into channel switches and publishes
// channel state and health. All methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	plugin Plugin
	topics mqtt.Topics
	health *HealthReporter
	logger Logger

	done      chan struct{}
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates a bridge. Call Start to subscribe.
func New(opts Options) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Plugin == nil {
		return nil, fmt.Errorf("plugin is required")
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = DefaultBridgeID
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:      opts.MQTTClient,
		plugin:    opts.Plugin,
		topics:    opts.Topics,
		logger:    logger,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Topic:     opts.Topics.RelayHealth(),
		Publisher: opts.MQTTClient,
		Plugin:    opts.Plugin,
	})
	b.health.SetLogger(logger)
	return b, nil
}

// Start publishes "starting", subscribes to the command topics, publishes
// the current channel states and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	topic := b.topics.AllRelayCommands()
	if err := b.mqtt.Subscribe(topic, 1, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to relay commands", "topic", topic)

	b.PublishAllStates()
	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logger.Warn("failed to publish health", "error", err)
	}
	return nil
}

// Stop cancels in-flight commands and publishes a final "stopping" health
// message. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()
		b.health.Stop()
		b.logger.Info("relay bridge stopped")
	})
}

// SwitchListener returns a plugin switch listener that publishes the
// retained state of the switched channel.
func (b *Bridge) SwitchListener() func(plugin.SwitchEvent) {
	return func(ev plugin.SwitchEvent) {
		b.publishState(StateMessage{
			Channel:   ev.Channel,
			On:        ev.Enabled,
			Port:      ev.Device,
			Local:     ev.Local,
			Register:  ev.Register,
			Source:    ev.Origin,
			Timestamp: ev.At.UTC(),
		})
	}
}

// StateListener returns a plugin state listener that republishes health on
// every transition and all channel states once the plugin is active.
func (b *Bridge) StateListener() func(plugin.StateChange) {
	return func(sc plugin.StateChange) {
		if sc.To == plugin.StateActive {
			b.PublishAllStates()
		}
		if err := b.health.PublishNow(); err != nil {
			b.logger.Warn("failed to publish health", "error", err)
		}
	}
}

// PublishAllStates publishes the retained state of every channel. It does
// nothing while the plugin is not active.
func (b *Bridge) PublishAllStates() {
	now := time.Now().UTC()
	for ch, ci := range b.plugin.ChannelInfo() {
		b.publishState(StateMessage{
			Channel:   ch,
			On:        ci.On,
			Port:      ci.Device,
			Local:     ci.Local,
			Timestamp: now,
		})
	}
}

// handleMessage processes one command. Failures after the channel is known
// are reported in the ack, not returned.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	select {
	case <-b.done:
		return nil
	default:
	}

	ch, err := b.topics.ChannelFromTopic(topic)
	if err != nil {
		return err
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		cmd.normalise()
		b.publishAckError(cmd, ch, ErrCodeInvalidPayload, fmt.Sprintf("invalid command payload: %v", err))
		return nil
	}
	cmd.normalise()

	b.logger.Info("received relay command",
		"command_id", cmd.ID,
		"channel", ch,
		"command", cmd.Command,
		"source", cmd.Source)

	var on bool
	switch cmd.Command {
	case CommandOn:
		on = true
	case CommandOff:
		on = false
	case CommandToggle:
		on = !b.plugin.ChannelInfo()[ch].On
	default:
		b.publishAckError(cmd, ch, ErrCodeInvalidCommand, fmt.Sprintf("unknown command: %q", cmd.Command))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	ctx = plugin.WithOrigin(ctx, cmd.Source)

	if err := b.plugin.Switch(ctx, ch, on); err != nil {
		b.publishAckError(cmd, ch, errorCode(err), err.Error())
		return nil
	}
	b.publishAck(NewAckMessage(cmd, ch, on))
	return nil
}

func (b *Bridge) publishAckError(cmd CommandMessage, ch int, code, message string) {
	b.logger.Warn("relay command failed",
		"command_id", cmd.ID,
		"channel", ch,
		"code", code,
		"error", message)
	b.publishAck(NewAckError(cmd, ch, code, message))
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.RelayAck(ack.Channel), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "channel", ack.Channel, "error", err)
	}
}

func (b *Bridge) publishState(msg StateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.RelayState(msg.Channel), payload, 1, true); err != nil {
		b.logger.Warn("failed to publish state", "channel", msg.Channel, "error", err)
	}
}

// errorCode maps a switch error to an ack error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, plugin.ErrNotActivated), errors.Is(err, icse.ErrNotInitialized):
		return ErrCodeNotActivated
	case errors.Is(err, channel.ErrChannelOutOfRange):
		return ErrCodeInvalidChannel
	case errors.Is(err, icse.ErrDeviceBusy):
		return ErrCodeDeviceBusy
	case errors.Is(err, icse.ErrTransport):
		return ErrCodeTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrCodeTimeout
	default:
		return ErrCodeSwitchFailed
	}
}
