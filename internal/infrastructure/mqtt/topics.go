package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "powertime"

// relayProtocol is the protocol segment of every relay topic.
const relayProtocol = "relay"

// Topics builds the topic names under one prefix. The layout is flat:
// {prefix}/{category}/relay/{channel}.
//
//	topics := mqtt.NewTopics("shop7")
//	topics.RelayState(5) // "shop7/state/relay/5"
type Topics struct {
	Prefix string
}

// NewTopics returns builders for prefix, or DefaultTopicPrefix if empty.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

// RelayCommand is where commands for one channel arrive.
func (t Topics) RelayCommand(channel int) string {
	return fmt.Sprintf("%s/command/%s/%d", t.Prefix, relayProtocol, channel)
}

// AllRelayCommands matches the command topic of every channel.
func (t Topics) AllRelayCommands() string {
	return fmt.Sprintf("%s/command/%s/+", t.Prefix, relayProtocol)
}

// RelayAck carries the acknowledgement of a command.
func (t Topics) RelayAck(channel int) string {
	return fmt.Sprintf("%s/ack/%s/%d", t.Prefix, relayProtocol, channel)
}

// RelayState carries the retained on/off state of a channel.
func (t Topics) RelayState(channel int) string {
	return fmt.Sprintf("%s/state/%s/%d", t.Prefix, relayProtocol, channel)
}

// AllRelayStates matches the state topic of every channel.
func (t Topics) AllRelayStates() string {
	return fmt.Sprintf("%s/state/%s/+", t.Prefix, relayProtocol)
}

// RelayHealth carries the relay bridge health.
func (t Topics) RelayHealth() string {
	return fmt.Sprintf("%s/health/%s", t.Prefix, relayProtocol)
}

// SystemStatus carries the retained online/offline status and the Last Will.
func (t Topics) SystemStatus() string {
	return t.Prefix + "/system/status"
}

// ChannelFromTopic extracts the channel number from a relay command, ack or
// state topic.
func (t Topics) ChannelFromTopic(topic string) (int, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return 0, fmt.Errorf("topic %q is outside prefix %q", topic, t.Prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != relayProtocol {
		return 0, fmt.Errorf("topic %q is not a relay channel topic", topic)
	}
	ch, err := strconv.Atoi(parts[2])
	if err != nil || ch < 0 {
		return 0, fmt.Errorf("topic %q: invalid channel %q", topic, parts[2])
	}
	return ch, nil
}
