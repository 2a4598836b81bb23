// Package led drives a status LED on a GPIO as io/led/<name>.
package led

import (
	"context"
	"sync"

	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/types"
)

func init() { core.RegisterBuilder("gpio_led", builder{}) }

type Params struct {
	Pin       int    `yaml:"pin"`
	Initial   bool   `yaml:"initial"`
	ActiveLow bool   `yaml:"active_low"`
	Domain    string `yaml:"domain"`
	Name      string `yaml:"name"`
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
	return &Device{
		id:  in.ID,
		p:   p,
		pub: in.Res.Pub,
		reg: in.Res.Reg,
		a:   core.CapAddr{Domain: p.Domain, Kind: types.KindLED, Name: p.Name},
	}, nil
}

// Device is a single LED on a GPIO.
type Device struct {
	id  string
	p   Params
	pub core.EventEmitter
	reg core.ResourceRegistry
	a   core.CapAddr

	mu   sync.Mutex
	gpio core.GPIOHandle
	on   bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []core.CapabilitySpec {
	return []core.CapabilitySpec{{
		Domain: d.a.Domain,
		Kind:   types.KindLED,
		Name:   d.a.Name,
		Info: types.Info{
			SchemaVersion: 1,
			Driver:        "gpio_led",
			Detail:        types.LEDInfo{Pin: d.p.Pin, ActiveLow: d.p.ActiveLow},
		},
	}}
}

func (d *Device) Init(context.Context) error {
	g, err := d.reg.ClaimPin(d.id, d.p.Pin, core.FuncGPIOOut)
	if err != nil {
		return err
	}
	if err := g.ConfigureOutput(d.level(d.p.Initial)); err != nil {
		d.reg.ReleasePin(d.id, d.p.Pin)
		return err
	}
	d.mu.Lock()
	d.gpio, d.on = g, d.p.Initial
	d.mu.Unlock()
	d.pub.Emit(core.Event{Addr: d.a, Payload: types.LEDValue{On: d.p.Initial}})
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gpio == nil {
		return nil
	}
	d.gpio.Set(d.level(false))
	d.reg.ReleasePin(d.id, d.p.Pin)
	d.gpio = nil
	return nil
}

func (d *Device) Control(_ core.CapAddr, verb string, payload any) (core.EnqueueResult, error) {
	d.mu.Lock()
	if d.gpio == nil {
		d.mu.Unlock()
		return core.EnqueueResult{OK: false, Error: errcode.HALNotReady}, nil
	}
	switch verb {
	case "set":
		req, err := core.DecodeParams[types.LEDSet](payload)
		if err != nil {
			d.mu.Unlock()
			return core.EnqueueResult{OK: false, Error: errcode.InvalidPayload}, nil
		}
		d.setLocked(req.On)
	case "toggle":
		d.setLocked(!d.on)
	case "read":
	default:
		d.mu.Unlock()
		return core.EnqueueResult{OK: false, Error: errcode.Unsupported}, nil
	}
	v := types.LEDValue{On: d.on}
	d.mu.Unlock()

	d.pub.Emit(core.Event{Addr: d.a, Payload: v})
	return core.EnqueueResult{OK: true, Reply: v}, nil
}

func (d *Device) setLocked(on bool) {
	d.gpio.Set(d.level(on))
	d.on = on
}

func (d *Device) level(on bool) bool { return on != d.p.ActiveLow }
