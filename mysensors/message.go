// Package mysensors encodes and decodes MySensors gateway messages.
//
// Two framings are supported: the serial line protocol
//
//	node;child;command;ack;type;payload\n
//
// and the MQTT gateway topic layout
//
//	<prefix>/node/child/command/ack/type   (payload in the MQTT body)
package mysensors

import (
	"fmt"
	"strconv"
	"strings"

	"owrelay-go/errcode"
)

// Command is the message command field.
type Command uint8

const (
	Presentation Command = 0
	Set          Command = 1
	Req          Command = 2
	Internal     Command = 3
	Stream       Command = 4
)

func (c Command) String() string {
	switch c {
	case Presentation:
		return "presentation"
	case Set:
		return "set"
	case Req:
		return "req"
	case Internal:
		return "internal"
	case Stream:
		return "stream"
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// Presentation (sensor) types.
const (
	SDoor        uint8 = 0
	STemp        uint8 = 6
	SArduinoNode uint8 = 17
	SArduinoRep  uint8 = 18
)

// Set/Req (value) types.
const (
	VTemp uint8 = 0
	VHum  uint8 = 1
)

// Internal types.
const (
	IBatteryLevel      uint8 = 0
	ITime              uint8 = 1
	IVersion           uint8 = 2
	IIDRequest         uint8 = 3
	IIDResponse        uint8 = 4
	IInclusionMode     uint8 = 5
	IConfig            uint8 = 6
	ILogMessage        uint8 = 9
	ISketchName        uint8 = 11
	ISketchVersion     uint8 = 12
	IHeartbeatRequest  uint8 = 18
	IPresentation      uint8 = 19
	IHeartbeatResponse uint8 = 22
)

const (
	// NodeSensorID is the child id used for messages about the node itself.
	NodeSensorID uint8 = 255
	// MaxPayload is the largest payload a radio frame carries.
	MaxPayload = 25
	// LibraryVersion is announced in the node presentation.
	LibraryVersion = "2.3.2"
)

// Message is one MySensors message.
type Message struct {
	NodeID  uint8
	ChildID uint8
	Command Command
	Ack     bool
	Type    uint8
	Payload string
}

// String renders the serial form without the trailing newline.
func (m Message) String() string {
	ack := 0
	if m.Ack {
		ack = 1
	}
	return fmt.Sprintf("%d;%d;%d;%d;%d;%s", m.NodeID, m.ChildID, m.Command, ack, m.Type, m.Payload)
}

// Validate checks the fields a gateway would reject.
func (m Message) Validate() error {
	if m.Command > Stream {
		return &errcode.E{C: errcode.InvalidPayload, Op: "mysensors", Msg: "unknown command " + strconv.Itoa(int(m.Command))}
	}
	if len(m.Payload) > MaxPayload {
		return &errcode.E{C: errcode.InvalidPayload, Op: "mysensors", Msg: fmt.Sprintf("payload %d bytes exceeds %d", len(m.Payload), MaxPayload)}
	}
	if strings.ContainsAny(m.Payload, "\n\r") {
		return &errcode.E{C: errcode.InvalidPayload, Op: "mysensors", Msg: "payload contains a line break"}
	}
	return nil
}

// Encode returns the serial line for m, newline included.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return []byte(m.String() + "\n"), nil
}

// ParseLine decodes one serial line. A trailing CR/LF is ignored and the
// payload may itself contain ';'.
func ParseLine(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, ";", 6)
	if len(parts) != 6 {
		return Message{}, &errcode.E{C: errcode.InvalidPayload, Op: "parse line", Msg: fmt.Sprintf("want 6 fields, got %d: %q", len(parts), line)}
	}
	var f [5]uint8
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseUint(strings.TrimSpace(parts[i]), 10, 8)
		if err != nil {
			return Message{}, &errcode.E{C: errcode.InvalidPayload, Op: "parse line", Msg: fmt.Sprintf("field %d: %q", i, parts[i]), Err: err}
		}
		f[i] = uint8(v)
	}
	if f[3] > 1 {
		return Message{}, &errcode.E{C: errcode.InvalidPayload, Op: "parse line", Msg: "ack must be 0 or 1"}
	}
	m := Message{
		NodeID:  f[0],
		ChildID: f[1],
		Command: Command(f[2]),
		Ack:     f[3] == 1,
		Type:    f[4],
		Payload: parts[5],
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ---- constructors used by the gateway ----

// PresentNode announces the node itself.
func PresentNode(node uint8) Message {
	return Message{NodeID: node, ChildID: NodeSensorID, Command: Presentation, Type: SArduinoNode, Payload: LibraryVersion}
}

// PresentChild announces one child sensor. The label is cut to fit a frame.
func PresentChild(node, child, sensorType uint8, label string) Message {
	return Message{NodeID: node, ChildID: child, Command: Presentation, Type: sensorType, Payload: Truncate(label)}
}

// InternalMsg builds an internal message about the node.
func InternalMsg(node, typ uint8, payload string) Message {
	return Message{NodeID: node, ChildID: NodeSensorID, Command: Internal, Type: typ, Payload: Truncate(payload)}
}

// SetTemp builds a C_SET V_TEMP message.
func SetTemp(node, child uint8, milliC int32, metric bool) Message {
	return Message{NodeID: node, ChildID: child, Command: Set, Type: VTemp, Payload: FormatMilliC(milliC, metric)}
}

// Truncate cuts s to MaxPayload bytes without splitting a UTF-8 sequence.
func Truncate(s string) string {
	if len(s) <= MaxPayload {
		return s
	}
	n := MaxPayload
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
