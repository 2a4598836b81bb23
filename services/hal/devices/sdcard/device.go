package sdcard

import (
	"context"
	"log/slog"
	"time"

	"audiocode-go/errcode"
	"audiocode-go/internal/logging"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

func init() { core.RegisterBuilder("sdcard", builder{}) }

type Params struct {
	Name          string       `yaml:"name"`
	Domain        string       `yaml:"domain"`
	Path          string       `yaml:"path"`
	Bus           string       `yaml:"bus"`
	Pins          core.SPIPins `yaml:"pins"`
	FreqHz        uint32       `yaml:"freq_hz"`
	InitTimeoutMs int          `yaml:"init_timeout_ms"`
}

type builder struct{}

func (builder) Build(_ context.Context, in core.BuilderInput) (core.Device, error) {
	p, err := core.DecodeParams[Params](in.Params)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = in.ID
	}
	if p.Domain == "" {
		p.Domain = "storage"
	}
	opts := Options{
		Path:        p.Path,
		Bus:         core.ResourceID(p.Bus),
		Pins:        p.Pins,
		FreqHz:      p.FreqHz,
		InitTimeout: time.Duration(p.InitTimeoutMs) * time.Millisecond,
	}.withDefaults()
	if opts.Bus == DefaultBus && !in.Res.Reg.Board().HasSPI(DefaultBus) {
		if spis := in.Res.Reg.Board().SPI; len(spis) > 0 {
			opts.Bus = core.ResourceID(spis[len(spis)-1])
		}
	}
	return &Device{
		id:   in.ID,
		a:    core.CapAddr{Domain: p.Domain, Kind: types.KindSDCard, Name: p.Name},
		res:  in.Res,
		opts: opts,
		log:  logging.Default(in.Res.Log).With("device", in.ID),
	}, nil
}

// Device exposes one mounted card as storage/sdcard/<name>.
type Device struct {
	id   string
	a    core.CapAddr
	res  core.Resources
	opts Options
	log  *slog.Logger
	vol  *Volume
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []core.CapabilitySpec {
	return []core.CapabilitySpec{{
		Domain: d.a.Domain,
		Kind:   types.KindSDCard,
		Name:   d.a.Name,
		Info:   types.Info{SchemaVersion: 1, Driver: "sdcard", Detail: d.info()},
	}}
}

func (d *Device) info() types.StorageInfo {
	si := types.StorageInfo{
		Path:      d.opts.Path,
		Bus:       string(d.opts.Bus),
		BlockSize: 512,
		MISO:      d.opts.Pins.MISO,
		MOSI:      d.opts.Pins.MOSI,
		CLK:       d.opts.Pins.CLK,
		CS:        d.opts.Pins.CS,
	}
	if d.vol != nil {
		si.Card = types.CardKind(d.vol.Kind().String())
		si.CapacityBytes = d.vol.CapacityBytes()
		si.Filesystem = d.vol.FSType()
	}
	return si
}

func (d *Device) Init(ctx context.Context) error {
	ns := d.res.VFS
	if ns == nil {
		ns = vfs.Default
	}
	v, err := Mount(ctx, d.id, d.res.Reg, ns, d.opts)
	if err != nil {
		return err
	}
	d.vol = v
	d.log.Info("card mounted", "path", v.Path(), "kind", v.Kind().String(), "bytes", v.CapacityBytes(), "fs", v.FSType())
	d.emitUsage()
	return nil
}

func (d *Device) emitUsage() types.StorageValue {
	files, n, err := d.vol.Usage()
	if err != nil {
		d.res.Pub.Emit(core.Event{Addr: d.a, Err: string(errcode.Of(err))})
		return types.StorageValue{}
	}
	val := types.StorageValue{Mounted: true, Files: files, Bytes: n}
	d.res.Pub.Emit(core.Event{Addr: d.a, Payload: val})
	return val
}

func (d *Device) Control(_ core.CapAddr, verb string, payload any) (core.EnqueueResult, error) {
	if d.vol == nil {
		return core.EnqueueResult{OK: false, Error: errcode.NotMounted}, nil
	}
	switch verb {
	case "info":
		return core.EnqueueResult{OK: true, Reply: d.info()}, nil
	case "sync":
		if _, code := core.As[types.StorageSync](payload); code != "" {
			return core.EnqueueResult{OK: false, Error: code}, nil
		}
		return core.EnqueueResult{OK: true, Reply: d.emitUsage()}, nil
	default:
		return core.EnqueueResult{OK: false, Error: errcode.Unsupported}, nil
	}
}

func (d *Device) Close() error {
	if d.vol == nil {
		return nil
	}
	err := d.vol.Close()
	d.vol = nil
	return err
}
