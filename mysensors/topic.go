package mysensors

import (
	"fmt"
	"strconv"
	"strings"

	"owrelay-go/errcode"
)

// Default MQTT gateway prefixes.
const (
	DefaultPrefixOut = "mygateway1-out"
	DefaultPrefixIn  = "mygateway1-in"
)

// Topic returns the MQTT topic for m under prefix.
func Topic(prefix string, m Message) string {
	ack := 0
	if m.Ack {
		ack = 1
	}
	return fmt.Sprintf("%s/%d/%d/%d/%d/%d", strings.TrimSuffix(prefix, "/"), m.NodeID, m.ChildID, m.Command, ack, m.Type)
}

// SubscribeTopic is the wildcard filter for every message under prefix.
func SubscribeTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/+/+/+/+/+"
}

// ParseTopic decodes an MQTT topic and body. The topic must sit directly
// under prefix.
func ParseTopic(prefix, topic string, payload []byte) (Message, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return Message{}, &errcode.E{C: errcode.InvalidTopic, Op: "parse topic", Msg: fmt.Sprintf("%q not under %q", topic, prefix)}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 5 {
		return Message{}, &errcode.E{C: errcode.InvalidTopic, Op: "parse topic", Msg: fmt.Sprintf("want 5 levels, got %d: %q", len(parts), topic)}
	}
	var f [5]uint8
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return Message{}, &errcode.E{C: errcode.InvalidTopic, Op: "parse topic", Msg: fmt.Sprintf("level %d: %q", i, p), Err: err}
		}
		f[i] = uint8(v)
	}
	if f[3] > 1 {
		return Message{}, &errcode.E{C: errcode.InvalidTopic, Op: "parse topic", Msg: "ack must be 0 or 1"}
	}
	m := Message{
		NodeID:  f[0],
		ChildID: f[1],
		Command: Command(f[2]),
		Ack:     f[3] == 1,
		Type:    f[4],
		Payload: strings.TrimRight(string(payload), "\r\n"),
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
