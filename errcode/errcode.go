package errcode

import "errors"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK                Code = "ok"
	Busy              Code = "busy"
	Unsupported       Code = "unsupported"
	InvalidParams     Code = "invalid_params"
	InvalidPayload    Code = "invalid_payload"
	UnknownCapability Code = "unknown_capability"
	HALNotReady       Code = "hal_not_ready"
	InvalidTopic      Code = "invalid_topic"
	Timeout           Code = "timeout"

	// Resource ownership.
	UnknownBus  Code = "unknown_bus"
	BusInUse    Code = "bus_in_use"
	UnknownPin  Code = "unknown_pin"
	PinInUse    Code = "pin_in_use"
	InvalidPins Code = "invalid_pins"

	// Storage bring-up.
	SPIInit         Code = "spi_init_failed"
	CardAbsent      Code = "card_absent"
	CardUnsupported Code = "card_unsupported"
	FSCorrupt       Code = "fs_corrupt"
	AlreadyMounted  Code = "already_mounted"
	NotMounted      Code = "not_mounted"
	IOError         Code = "io_error"

	// Audio input.
	InvalidChannel Code = "invalid_channel"
	ConfigRange    Code = "config_out_of_range"
	NotStarted     Code = "not_started"

	// Recorder.
	NotConfigured Code = "not_configured"
	NoStorage     Code = "no_storage"
	NoAudio       Code = "no_audio"
	AudioStall    Code = "audio_stall"

	Error Code = "error" // generic fallback
)

// E keeps an operation and a cause next to the code.
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
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.CardAbsent) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E. A nil cause is allowed.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	// The outermost *E wins over a bare Code used as its cause.
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// MapDriverErr maps low-level driver errors to a Code.
func MapDriverErr(err error) Code {
	if err == nil {
		return OK
	}
	if c := Of(err); c != Error {
		return c
	}
	return IOError
}
