package errcode

import "strings"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"
	Timeout        Code = "timeout"

	// Sensor table configuration.
	ConfigMismatch   Code = "config_mismatch"
	DuplicateAddress Code = "duplicate_address"
	InvalidAddress   Code = "invalid_address"
	UnknownAddress   Code = "unknown_address"

	// OneWire / probe reads.
	NoPresence  Code = "no_presence"
	CRCMismatch Code = "crc_mismatch"
	OutOfRange  Code = "out_of_range"
	NoReading   Code = "no_reading"

	// Gateway link.
	LinkDown Code = "link_down"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.X) match a wrapped code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil {
			return Of(inner)
		}
	}
	return Error
}

// MapDriverErr maps low-level driver errors to a Code.
// The tinygo OneWire/DS18B20 drivers only expose unexported sentinel errors,
// so matching is by message.
func MapDriverErr(err error) Code {
	if err == nil {
		return OK
	}
	if c := Of(err); c != Error {
		return c
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "CRC mismatch"):
		return CRCMismatch
	case strings.Contains(msg, "No devices on the bus"):
		return NoPresence
	case strings.Contains(msg, "timeout"):
		return Timeout
	}
	return Error
}
