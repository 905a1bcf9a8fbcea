package registry

import (
	"encoding/hex"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"owrelay-go/errcode"
)

// Address is a 64-bit OneWire ROM id, least significant byte first as read
// off the bus: byte 0 is the family code, byte 7 the CRC.
type Address [8]byte

// Family codes of the temperature probes we know how to read.
const (
	FamilyDS18S20 byte = 0x10
	FamilyDS1822  byte = 0x22
	FamilyDS18B20 byte = 0x28
	FamilyDS1825  byte = 0x3B
)

func (a Address) Family() byte { return a[0] }

func (a Address) IsZero() bool { return a == Address{} }

// Bytes returns a fresh slice, as the tinygo drivers take []uint8 ROM ids.
func (a Address) Bytes() []byte {
	b := make([]byte, 8)
	copy(b, a[:])
	return b
}

// String renders "28-19F04D0500003D": family, dash, remaining bytes.
func (a Address) String() string {
	var buf [17]byte
	hex.Encode(buf[0:2], a[0:1])
	buf[2] = '-'
	hex.Encode(buf[3:], a[1:])
	return strings.ToUpper(string(buf[:]))
}

// KnownFamily reports whether the family code is a supported thermometer.
func (a Address) KnownFamily() bool {
	switch a.Family() {
	case FamilyDS18S20, FamilyDS1822, FamilyDS18B20, FamilyDS1825:
		return true
	}
	return false
}

// AddressFromBytes copies an 8-byte ROM id.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, &errcode.E{C: errcode.InvalidAddress, Op: "address", Msg: "want 8 bytes, got " + strconv.Itoa(len(b))}
	}
	copy(a[:], b)
	return a, nil
}

// ParseAddress accepts "28-19F04D0500003D", "28:19:F0:4D:05:00:00:3D",
// "0x28, 0x19, ..., 0x3D" and "2819F04D0500003D".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, ",") {
		return parseList(strings.Split(s, ","))
	}
	clean := strings.NewReplacer("-", "", ":", "", " ", "").Replace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if len(clean) != 16 {
		return Address{}, &errcode.E{C: errcode.InvalidAddress, Op: "parse address", Msg: strconv.Quote(s)}
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Address{}, &errcode.E{C: errcode.InvalidAddress, Op: "parse address", Msg: strconv.Quote(s), Err: err}
	}
	return AddressFromBytes(raw)
}

func parseList(parts []string) (Address, error) {
	var a Address
	if len(parts) != len(a) {
		return a, &errcode.E{C: errcode.InvalidAddress, Op: "parse address", Msg: "want 8 bytes, got " + strconv.Itoa(len(parts))}
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 8)
		if err != nil {
			return Address{}, &errcode.E{C: errcode.InvalidAddress, Op: "parse address", Msg: strconv.Quote(p), Err: err}
		}
		a[i] = byte(v)
	}
	return a, nil
}

// UnmarshalYAML accepts a string form or a sequence of 8 integers.
func (a *Address) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		v, err := ParseAddress(n.Value)
		if err != nil {
			return err
		}
		*a = v
		return nil
	case yaml.SequenceNode:
		var ints []uint8
		if err := n.Decode(&ints); err != nil {
			return &errcode.E{C: errcode.InvalidAddress, Op: "parse address", Msg: "line " + strconv.Itoa(n.Line), Err: err}
		}
		v, err := AddressFromBytes(ints)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	return &errcode.E{C: errcode.InvalidAddress, Op: "parse address", Msg: "line " + strconv.Itoa(n.Line)}
}

// MarshalYAML writes the string form.
func (a Address) MarshalYAML() (any, error) { return a.String(), nil }
