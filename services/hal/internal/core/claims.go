package core

import (
	"sync"
	"time"

	"github.com/spf13/afero"

	"audiocode-go/drivers/fatfs"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/boards"
)

// Ensure the registry satisfies the contract at compile time.
var _ ResourceRegistry = (*Registry)(nil)

// Registry implements ResourceRegistry over a Platform: it keeps exclusive
// ownership of pins, buses, ADC channels and volumes per device id and
// hands out the platform's hardware views.
type Registry struct {
	mu sync.Mutex
	p  Platform
	b  boards.Board

	pins    map[int]pinOwner
	gpio    map[int]IRQPin
	spi     map[ResourceID]string
	adc     map[[2]int]string
	volumes map[ResourceID]volume

	edges *edgeWorker
}

type volume struct {
	devID string
	fs    *fatfs.FS
}

type pinOwner struct {
	devID string
	fn    PinFunc
}

func NewRegistry(p Platform) *Registry {
	return &Registry{
		p:       p,
		b:       p.Board(),
		pins:    map[int]pinOwner{},
		gpio:    map[int]IRQPin{},
		spi:     map[ResourceID]string{},
		adc:     map[[2]int]string{},
		volumes: map[ResourceID]volume{},
		edges:   newEdgeWorker(64),
	}
}

func (r *Registry) Board() boards.Board { return r.b }

// Close stops the edge worker. Claims are not released.
func (r *Registry) Close() { r.edges.close() }

// PinOwner reports the device holding pin n.
func (r *Registry) PinOwner(n int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.pins[n]
	return o.devID, ok
}

// ---- GPIO ----

func (r *Registry) claimPinLocked(devID string, n int, fn PinFunc) error {
	if !r.b.HasGPIO(n) {
		return errcode.UnknownPin
	}
	if fn == FuncGPIOOut && !r.b.CanDrive(n) {
		return errcode.InvalidPins
	}
	if owner, inUse := r.pins[n]; inUse && owner.devID != "" {
		return errcode.PinInUse
	}
	r.pins[n] = pinOwner{devID: devID, fn: fn}
	return nil
}

func (r *Registry) ClaimPin(devID string, n int, fn PinFunc) (GPIOHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimPinLocked(devID, n, fn); err != nil {
		return nil, err
	}
	if fn != FuncGPIOIn && fn != FuncGPIOOut {
		return nil, nil
	}
	g, err := r.lookupGPIO(n)
	if err != nil {
		delete(r.pins, n)
		return nil, err
	}
	return g, nil
}

func (r *Registry) lookupGPIO(n int) (IRQPin, error) {
	if g, ok := r.gpio[n]; ok {
		return g, nil
	}
	g, err := r.p.GPIO(n)
	if err != nil {
		return nil, err
	}
	r.gpio[n] = g
	return g, nil
}

func (r *Registry) ReleasePin(devID string, n int) {
	r.mu.Lock()
	owner, ok := r.pins[n]
	if !ok || owner.devID != devID {
		r.mu.Unlock()
		return
	}
	delete(r.pins, n)
	g := r.gpio[n]
	r.mu.Unlock()

	r.edges.remove(n)
	// In all cases, put the pin back to input.
	if g != nil {
		_ = g.ConfigureInput(PullNone)
	}
}

func (r *Registry) SubscribeGPIOEdges(devID string, n int, edge Edge, debounce time.Duration, bufLen int) (GPIOEdgeStream, error) {
	r.mu.Lock()
	owner, ok := r.pins[n]
	g := r.gpio[n]
	r.mu.Unlock()
	if !ok || owner.devID != devID || g == nil {
		return nil, errcode.PinInUse
	}
	return r.edges.add(g, edge, debounce, bufLen)
}

func (r *Registry) UnsubscribeGPIOEdges(devID string, n int) {
	r.mu.Lock()
	owner, ok := r.pins[n]
	r.mu.Unlock()
	if ok && owner.devID == devID {
		r.edges.remove(n)
	}
}

// ---- SPI ----

func (r *Registry) ClaimSPI(devID string, id ResourceID, cfg SPIConfig) (SPIBus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.b.HasSPI(string(id)) {
		return nil, errcode.UnknownBus
	}
	if owner, taken := r.spi[id]; taken && owner != devID {
		return nil, errcode.BusInUse
	}
	bus, err := r.p.SPI(id, cfg)
	if err != nil {
		return nil, &errcode.E{C: errcode.SPIInit, Op: "spi.configure", Err: err}
	}
	r.spi[id] = devID
	return bus, nil
}

func (r *Registry) ReleaseSPI(devID string, id ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.spi[id]; ok && owner == devID {
		delete(r.spi, id)
	}
}

// ---- ADC ----

func (r *Registry) ClaimADC(devID string, unit, channel int) (ADCChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gpio, ok := r.b.ADCPin(unit, channel)
	if !ok {
		return nil, errcode.InvalidChannel
	}
	key := [2]int{unit, channel}
	if owner, taken := r.adc[key]; taken && owner != devID {
		return nil, errcode.PinInUse
	}
	if err := r.claimPinLocked(devID, gpio, FuncADC); err != nil {
		return nil, err
	}
	ch, err := r.p.ADC(unit, channel, gpio)
	if err != nil {
		delete(r.pins, gpio)
		return nil, err
	}
	r.adc[key] = devID
	return ch, nil
}

func (r *Registry) ReleaseADC(devID string, unit, channel int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int{unit, channel}
	if owner, ok := r.adc[key]; !ok || owner != devID {
		return
	}
	delete(r.adc, key)
	if gpio, ok := r.b.ADCPin(unit, channel); ok {
		if o := r.pins[gpio]; o.devID == devID {
			delete(r.pins, gpio)
		}
	}
}

// ---- Volumes ----

// OpenVolume mounts the FAT filesystem found on dev. Mount errors are the
// fatfs sentinels or the device's own I/O error. A device reopening its
// bus replaces its previous mount.
func (r *Registry) OpenVolume(devID string, id ResourceID, dev BlockDevice) (afero.Fs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, taken := r.volumes[id]
	if taken && old.devID != devID {
		return nil, errcode.BusInUse
	}
	fs, err := fatfs.Mount(dev)
	if err != nil {
		return nil, err
	}
	if taken {
		_ = old.fs.Unmount()
	}
	r.volumes[id] = volume{devID: devID, fs: fs}
	return fs, nil
}

// CloseVolume syncs and unmounts; files still open on it are detached.
func (r *Registry) CloseVolume(devID string, id ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.volumes[id]; ok && v.devID == devID {
		_ = v.fs.Unmount()
		delete(r.volumes, id)
	}
}
