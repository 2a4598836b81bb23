// Package sim is the host platform: simulated GPIO with edge interrupts,
// SPI buses with optional simulated SD cards and ADC channels producing a
// test tone. Cards carry a real FAT image, so volumes mount exactly as they
// do on hardware.
package sim

import (
	"errors"
	"math"
	"sync"
	"time"

	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/boards"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/x/mathx"
)

// Ensure the platform satisfies the contract at compile time.
var _ core.Platform = (*Platform)(nil)

// Options configure the simulation.
type Options struct {
	Board boards.Board
	// ToneHz and Amplitude shape the ADC signal (12-bit codes around 2048).
	ToneHz    float64
	Amplitude float64
	// Realtime paces ADC reads at the configured sample rate.
	Realtime bool
}

type Platform struct {
	mu   sync.Mutex
	opts Options

	pins  map[int]*Pin
	cards map[core.ResourceID]*attached
}

type attached struct {
	card *sdsim.Card
	cs   int
}

func New(o Options) *Platform {
	if o.Board.Name == "" {
		o.Board = boards.ESP32DevKit
	}
	if o.ToneHz == 0 {
		o.ToneHz = 440
	}
	if o.Amplitude == 0 {
		o.Amplitude = 1000
	}
	return &Platform{
		opts:  o,
		pins:  map[int]*Pin{},
		cards: map[core.ResourceID]*attached{},
	}
}

func (p *Platform) Board() boards.Board { return p.opts.Board }

// AttachCard inserts a simulated card on bus, selected by GPIO cs. A card
// already on the bus is swapped out, as if the user changed cards.
func (p *Platform) AttachCard(bus core.ResourceID, cs int, card *sdsim.Card) {
	p.mu.Lock()
	p.cards[bus] = &attached{card: card, cs: cs}
	pin := p.pins[cs]
	p.mu.Unlock()
	if pin != nil {
		pin.setHook(card.CS().Set)
	}
}

// Pin returns the simulated pin n, creating it on first use.
func (p *Platform) Pin(n int) *Pin {
	p.mu.Lock()
	defer p.mu.Unlock()
	pin, ok := p.pins[n]
	if !ok {
		pin = &Pin{n: n}
		p.pins[n] = pin
	}
	return pin
}

func (p *Platform) GPIO(n int) (core.IRQPin, error) {
	if !p.opts.Board.HasGPIO(n) {
		return nil, errcode.UnknownPin
	}
	pin := p.Pin(n)
	p.mu.Lock()
	for _, a := range p.cards {
		if a.cs == n {
			pin.setHook(a.card.CS().Set)
		}
	}
	p.mu.Unlock()
	return pin, nil
}

func (p *Platform) SPI(id core.ResourceID, cfg core.SPIConfig) (core.SPIBus, error) {
	p.mu.Lock()
	a := p.cards[id]
	p.mu.Unlock()
	var bus core.SPIBus = &floatingBus{}
	if a != nil {
		bus = a.card
	}
	if cfg.FreqHz > 80_000_000 {
		return nil, errors.New("sim: spi clock above 80 MHz")
	}
	_ = bus.SetFrequency(cfg.FreqHz)
	return bus, nil
}

func (p *Platform) ADC(unit, channel, gpio int) (core.ADCChannel, error) {
	return &toneADC{gpio: gpio, hz: p.opts.ToneHz, amp: p.opts.Amplitude, realtime: p.opts.Realtime}, nil
}

// ---- GPIO ----

// Pin is a simulated GPIO. Drive sets the input level seen by the HAL and
// fires any attached interrupt.
type Pin struct {
	mu      sync.Mutex
	n       int
	level   bool
	pull    core.Pull
	output  bool
	handler func()
	hook    func(bool)
}

func (s *Pin) setHook(h func(bool)) { s.mu.Lock(); s.hook = h; s.mu.Unlock() }

func (s *Pin) Number() int { return s.n }

func (s *Pin) ConfigureInput(pull core.Pull) error {
	s.mu.Lock()
	s.output = false
	s.pull = pull
	switch pull {
	case core.PullUp:
		s.level = true
	case core.PullDown:
		s.level = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Pin) ConfigureOutput(initial bool) error {
	s.mu.Lock()
	s.output = true
	s.mu.Unlock()
	s.Set(initial)
	return nil
}

func (s *Pin) Set(b bool) {
	s.mu.Lock()
	s.level = b
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(b)
	}
}

func (s *Pin) Get() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *Pin) SetIRQ(_ core.Edge, h func()) error {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	return nil
}

func (s *Pin) ClearIRQ() error {
	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	return nil
}

// Drive sets an external level and fires the IRQ handler if attached.
func (s *Pin) Drive(level bool) {
	s.mu.Lock()
	s.level = level
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h()
	}
}

// ---- SPI ----

// floatingBus has no card: MISO is pulled high.
type floatingBus struct{}

func (floatingBus) Tx(_, r []byte) error {
	for i := range r {
		r[i] = 0xFF
	}
	return nil
}
func (floatingBus) Transfer(byte) (byte, error) { return 0xFF, nil }
func (floatingBus) SetFrequency(uint32) error   { return nil }

// ---- ADC ----

type toneADC struct {
	gpio     int
	hz, amp  float64
	rate     int
	atten    float32
	phase    float64
	realtime bool
	next     time.Time
}

func (a *toneADC) GPIO() int { return a.gpio }

func (a *toneADC) Configure(sampleRate int, attenuationDB float32) error {
	a.rate, a.atten = sampleRate, attenuationDB
	a.phase = 0
	a.next = time.Time{}
	return nil
}

func (a *toneADC) Read(dst []uint16) error {
	if a.rate == 0 {
		return errcode.NotStarted
	}
	step := 2 * math.Pi * a.hz / float64(a.rate)
	for i := range dst {
		v := 2048 + a.amp*math.Sin(a.phase)
		dst[i] = uint16(mathx.Clamp(math.Round(v), 0, 4095))
		a.phase += step
		if a.phase > 2*math.Pi {
			a.phase -= 2 * math.Pi
		}
	}
	if a.realtime {
		if a.next.IsZero() {
			a.next = time.Now()
		}
		a.next = a.next.Add(time.Duration(len(dst)) * time.Second / time.Duration(a.rate))
		time.Sleep(time.Until(a.next))
	}
	return nil
}
