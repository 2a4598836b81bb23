package types

// ------------------------
// Common HAL state (retained)
// ------------------------

type HALState struct {
	Level  string `json:"level"`  // "idle", "ready", "stopped"
	Status string `json:"status"` // freeform short code
	TSms   int64  `json:"ts_ms"`
}

// Link is the link/state reported for a capability.
type Link string

const (
	LinkUp       Link = "up"
	LinkDown     Link = "down"
	LinkDegraded Link = "degraded"
)

type CapabilityStatus struct {
	Link  Link   `json:"link"`
	TSms  int64  `json:"ts_ms"`
	Error string `json:"error,omitempty"` // machine-readable short code
}

// ------------------------
// Capability addressing & kinds
// ------------------------

type Kind string

const (
	KindButton     Kind = "button"
	KindSDCard     Kind = "sdcard"
	KindMicrophone Kind = "microphone"
	KindLED        Kind = "led"
)

// CapabilityAddress identifies a public capability on the bus.
type CapabilityAddress struct {
	Domain string `json:"domain" yaml:"domain"` // "io", "storage", "audio"
	Kind   Kind   `json:"kind" yaml:"kind"`
	Name   string `json:"name" yaml:"name"`
}

// ------------------------
// HAL configuration
// ------------------------

type HALConfig struct {
	Board   string      `json:"board,omitempty" yaml:"board,omitempty"`
	Devices []HALDevice `json:"devices" yaml:"devices"`
}

type HALDevice struct {
	ID     string `json:"id" yaml:"id"`         // logical device id
	Type   string `json:"type" yaml:"type"`     // e.g. "sdcard"
	Params any    `json:"params" yaml:"params"` // device-specific params
}

// ------------------------
// Generic replies
// ------------------------

type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ------------------------
// Info envelope (retained)
// ------------------------

type Info struct {
	SchemaVersion int    `json:"schema_version"`
	Driver        string `json:"driver"`
	Detail        any    `json:"detail,omitempty"` // one of the *Info types
}

// ------------------------
// Button
// ------------------------

type ButtonInfo struct {
	Pin int `json:"pin"`
}

type ButtonValue struct {
	Pressed bool `json:"pressed"`
}

// ------------------------
// LED
// ------------------------

type LEDInfo struct {
	Pin       int  `json:"pin"`
	ActiveLow bool `json:"active_low,omitempty"`
}

type LEDValue struct {
	On bool `json:"on"`
}

// LEDSet is the payload of the "set" verb.
type LEDSet struct {
	On bool `json:"on" yaml:"on"`
}
