package core

import (
	"context"
	"log/slog"

	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

// ---- Capability & device model ----

// CapAddr is the (domain, kind, name) triple a capability is addressed by.
type CapAddr struct {
	Domain string
	Kind   types.Kind
	Name   string
}

type CapabilitySpec struct {
	Domain string
	Kind   types.Kind
	Name   string
	Info   types.Info
}

// EnqueueResult is the immediate answer to a control. Reply, when set, is
// sent to the requester instead of a bare OK.
type EnqueueResult struct {
	OK    bool
	Error errcode.Code
	Reply any
}

// Device is one configured HAL device. Control must not block.
type Device interface {
	ID() string
	Capabilities() []CapabilitySpec
	Init(ctx context.Context) error
	Control(addr CapAddr, verb string, payload any) (EnqueueResult, error)
	Close() error
}

// ---- Device → HAL telemetry (single shape) ----
// By default an Event is a value update published retained to .../value.
// IsEvent or a non-empty EventTag publishes to .../event[/tag] instead.
// Err, when non-empty, publishes only .../status=degraded.

type Event struct {
	Addr     CapAddr
	Payload  any
	TSms     int64
	Err      string
	IsEvent  bool
	EventTag string
}

// EventEmitter must be non-blocking; false indicates a drop under pressure.
type EventEmitter interface {
	Emit(ev Event) bool
}

// ---- HAL-injected resources ----

type Resources struct {
	Reg ResourceRegistry
	Pub EventEmitter
	VFS *vfs.Namespace
	Log *slog.Logger
}

// Builder input
type BuilderInput struct {
	ID, Type string
	Params   any
	Res      Resources
}

type Builder interface {
	Build(ctx context.Context, in BuilderInput) (Device, error)
}
