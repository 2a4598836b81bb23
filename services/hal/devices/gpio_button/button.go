// Package gpio_button publishes a debounced push button as io/button/<name>.
package gpio_button

import (
	"context"
	"time"

	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/types"
)

func init() { core.RegisterBuilder("gpio_button", builder{}) }

type Params struct {
	Pin        int    `yaml:"pin"`
	Pull       string `yaml:"pull"`   // "none", "up", "down"
	Invert     bool   `yaml:"invert"` // pressed == low
	DebounceMs int    `yaml:"debounce_ms"`
	Domain     string `yaml:"domain"`
	Name       string `yaml:"name"`
}

type builder struct{}

func (builder) Build(_ context.Context, in core.BuilderInput) (core.Device, error) {
	p, err := core.DecodeParams[Params](in.Params)
	if err != nil {
		return nil, err
	}
	if p.Pin < 0 {
		return nil, errcode.InvalidParams
	}
	if p.Domain == "" {
		p.Domain = "io"
	}
	if p.Name == "" {
		p.Name = in.ID
	}
	if p.DebounceMs == 0 {
		p.DebounceMs = 30
	}
	return &Device{
		id:       in.ID,
		p:        p,
		pub:      in.Res.Pub,
		reg:      in.Res.Reg,
		a:        core.CapAddr{Domain: p.Domain, Kind: types.KindButton, Name: p.Name},
		debounce: time.Duration(p.DebounceMs) * time.Millisecond,
	}, nil
}

type Device struct {
	id   string
	p    Params
	gpio core.GPIOHandle

	pub core.EventEmitter
	reg core.ResourceRegistry
	a   core.CapAddr

	debounce time.Duration
	es       core.GPIOEdgeStream
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []core.CapabilitySpec {
	return []core.CapabilitySpec{{
		Domain: d.a.Domain,
		Kind:   types.KindButton,
		Name:   d.a.Name,
		Info:   types.Info{SchemaVersion: 1, Driver: "gpio_button", Detail: types.ButtonInfo{Pin: d.p.Pin}},
	}}
}

func (d *Device) Init(context.Context) error {
	g, err := d.reg.ClaimPin(d.id, d.p.Pin, core.FuncGPIOIn)
	if err != nil {
		return err
	}
	d.gpio = g
	switch d.p.Pull {
	case "up":
		err = g.ConfigureInput(core.PullUp)
	case "down":
		err = g.ConfigureInput(core.PullDown)
	default:
		err = g.ConfigureInput(core.PullNone)
	}
	if err != nil {
		d.reg.ReleasePin(d.id, d.p.Pin)
		return err
	}

	d.pub.Emit(core.Event{Addr: d.a, Payload: types.ButtonValue{Pressed: d.pressed(g.Get())}})

	es, err := d.reg.SubscribeGPIOEdges(d.id, d.p.Pin, core.EdgeBoth, d.debounce, 8)
	if err != nil {
		d.pub.Emit(core.Event{Addr: d.a, Err: "edge_sub_failed"})
		return nil
	}
	d.es = es
	go d.edgeLoop(es)
	return nil
}

func (d *Device) Close() error {
	if d.gpio == nil {
		return nil
	}
	if d.es != nil {
		d.es.Close()
		d.reg.UnsubscribeGPIOEdges(d.id, d.p.Pin)
		d.es = nil
	}
	d.reg.ReleasePin(d.id, d.p.Pin)
	d.gpio = nil
	return nil
}

func (d *Device) Control(_ core.CapAddr, verb string, _ any) (core.EnqueueResult, error) {
	switch verb {
	case "read":
		v := types.ButtonValue{Pressed: d.pressed(d.gpio.Get())}
		d.pub.Emit(core.Event{Addr: d.a, Payload: v})
		return core.EnqueueResult{OK: true, Reply: v}, nil
	default:
		return core.EnqueueResult{OK: false, Error: errcode.Unsupported}, nil
	}
}

func (d *Device) edgeLoop(es core.GPIOEdgeStream) {
	for ev := range es.Events() {
		pressed := d.pressed(ev.Level)
		tag := "released"
		if pressed {
			tag = "pressed"
		}
		d.pub.Emit(core.Event{Addr: d.a, EventTag: tag, Payload: types.ButtonValue{Pressed: pressed}})
		d.pub.Emit(core.Event{Addr: d.a, Payload: types.ButtonValue{Pressed: pressed}})
	}
}

func (d *Device) pressed(level bool) bool {
	if d.p.Invert {
		return !level
	}
	return level
}
