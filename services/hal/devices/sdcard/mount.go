// Package sdcard brings up an SD card on an SPI bus and mounts its
// filesystem into the VFS namespace.
package sdcard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spf13/afero"

	"audiocode-go/drivers/fatfs"
	"audiocode-go/drivers/sdspi"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/x/vfs"
)

const (
	DefaultPath   = "/sdcard"
	DefaultBus    = "spi3"
	DefaultFreqHz = 20_000_000
	probeFreqHz   = 400_000
)

// Options describe one card slot.
type Options struct {
	Path        string
	Bus         core.ResourceID
	Pins        core.SPIPins
	FreqHz      uint32
	InitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Bus == "" {
		o.Bus = DefaultBus
	}
	if o.Pins == (core.SPIPins{}) {
		o.Pins = core.DefaultSPIPins
	}
	if o.FreqHz == 0 {
		o.FreqHz = DefaultFreqHz
	}
	return o
}

// Volume is a mounted card. It owns the SPI controller, the four pins, the
// card driver and the namespace entry until Close.
type Volume struct {
	mu     sync.Mutex
	devID  string
	reg    core.ResourceRegistry
	ns     *vfs.Namespace
	opts   Options
	card   *sdspi.Card
	fs     afero.Fs
	pins   []int
	bus    bool
	vol    bool
	mnt    bool
	closed bool
}

// Mount claims the bus and pins, probes the card, verifies the volume and
// registers it at opts.Path. On failure everything claimed is released and
// the error carries an errcode kind.
func Mount(ctx context.Context, devID string, reg core.ResourceRegistry, ns *vfs.Namespace, opts Options) (*Volume, error) {
	if ns == nil {
		ns = vfs.Default
	}
	v := &Volume{devID: devID, reg: reg, ns: ns, opts: opts.withDefaults()}
	if err := v.mount(ctx); err != nil {
		v.release()
		return nil, err
	}
	return v, nil
}

func (v *Volume) mount(ctx context.Context) error {
	o := v.opts
	if err := o.Pins.Validate(v.reg.Board()); err != nil {
		return err
	}
	if v.ns.Mounted(o.Path) {
		return &errcode.E{C: errcode.AlreadyMounted, Op: "sdcard.attach", Msg: o.Path}
	}

	for _, n := range []int{o.Pins.MISO, o.Pins.MOSI, o.Pins.CLK} {
		if _, err := v.reg.ClaimPin(v.devID, n, core.FuncSPI); err != nil {
			return &errcode.E{C: errcode.Of(err), Op: "sdcard.claim", Err: err}
		}
		v.pins = append(v.pins, n)
	}
	cs, err := v.reg.ClaimPin(v.devID, o.Pins.CS, core.FuncGPIOOut)
	if err != nil {
		return &errcode.E{C: errcode.Of(err), Op: "sdcard.claim", Err: err}
	}
	v.pins = append(v.pins, o.Pins.CS)
	if err := cs.ConfigureOutput(true); err != nil {
		return &errcode.E{C: errcode.SPIInit, Op: "sdcard.cs", Err: err}
	}

	bus, err := v.reg.ClaimSPI(v.devID, o.Bus, core.SPIConfig{
		FreqHz: probeFreqHz,
		SCK:    o.Pins.CLK,
		SDO:    o.Pins.MOSI,
		SDI:    o.Pins.MISO,
	})
	if err != nil {
		return &errcode.E{C: errcode.Of(err), Op: "sdcard.spi", Err: err}
	}
	v.bus = true

	if err := ctx.Err(); err != nil {
		return &errcode.E{C: errcode.Timeout, Op: "sdcard.probe", Err: err}
	}
	v.card = sdspi.New(bus, cs, sdspi.Config{
		SlowHz:      probeFreqHz,
		FastHz:      o.FreqHz,
		InitTimeout: o.InitTimeout,
	})
	if err := v.card.Init(); err != nil {
		return &errcode.E{C: probeCode(err), Op: "sdcard.probe", Err: err}
	}

	fs, err := v.reg.OpenVolume(v.devID, o.Bus, v.card)
	if err != nil {
		return &errcode.E{C: volumeCode(err), Op: "sdcard.verify", Err: err}
	}
	v.vol = true
	if err := v.ns.Mount(o.Path, fs); err != nil {
		code := errcode.IOError
		if errors.Is(err, vfs.ErrAlreadyMounted) {
			code = errcode.AlreadyMounted
		}
		return &errcode.E{C: code, Op: "sdcard.attach", Err: err}
	}
	v.fs = fs
	v.mnt = true
	return nil
}

func probeCode(err error) errcode.Code {
	switch {
	case errors.Is(err, sdspi.ErrNoCard):
		return errcode.CardAbsent
	case errors.Is(err, sdspi.ErrVoltage), errors.Is(err, sdspi.ErrInitTimeout), errors.Is(err, sdspi.ErrCommand):
		return errcode.CardUnsupported
	default:
		return errcode.IOError
	}
}

// volumeCode classifies a failed filesystem mount: a readable card
// without a usable FAT volume is fs_corrupt, a failing card is io_error.
func volumeCode(err error) errcode.Code {
	switch {
	case errors.Is(err, fatfs.ErrNoSignature), errors.Is(err, fatfs.ErrNoFilesystem),
		errors.Is(err, fatfs.ErrCorrupt), errors.Is(err, fatfs.ErrUnsupported):
		return errcode.FSCorrupt
	default:
		return errcode.MapDriverErr(err)
	}
}

func (v *Volume) release() {
	if v.mnt {
		_ = v.ns.Unmount(v.opts.Path)
		v.mnt = false
	}
	if v.vol {
		v.reg.CloseVolume(v.devID, v.opts.Bus)
		v.vol = false
	}
	if v.bus {
		v.reg.ReleaseSPI(v.devID, v.opts.Bus)
		v.bus = false
	}
	for i := len(v.pins) - 1; i >= 0; i-- {
		v.reg.ReleasePin(v.devID, v.pins[i])
	}
	v.pins = nil
}

// Close unmounts and releases every claim. It is safe to call twice.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.release()
	return nil
}

func (v *Volume) Path() string          { return v.opts.Path }
func (v *Volume) Fs() afero.Fs          { return v.fs }
func (v *Volume) Options() Options      { return v.opts }
func (v *Volume) Kind() sdspi.Kind      { return v.card.Kind() }
func (v *Volume) CapacityBytes() uint64 { return v.card.CapacityBytes() }

// FSType names the FAT variant on the card.
func (v *Volume) FSType() string {
	if f, ok := v.fs.(*fatfs.FS); ok {
		return f.Type().String()
	}
	return ""
}

// Usage counts files and bytes under the mount.
func (v *Volume) Usage() (int, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, 0, errcode.NotMounted
	}
	return v.ns.Usage(v.opts.Path)
}
