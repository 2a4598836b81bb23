package core

import (
	"errors"
	"sync"

	"audiocode-go/services/hal/internal/boards"
)

type fakePin struct {
	mu      sync.Mutex
	n       int
	level   bool
	pull    Pull
	handler func()
}

func (p *fakePin) Number() int { return p.n }
func (p *fakePin) ConfigureInput(pull Pull) error {
	p.mu.Lock()
	p.pull = pull
	p.mu.Unlock()
	return nil
}
func (p *fakePin) ConfigureOutput(initial bool) error { p.Set(initial); return nil }
func (p *fakePin) Set(b bool)                         { p.mu.Lock(); p.level = b; p.mu.Unlock() }
func (p *fakePin) Get() bool                          { p.mu.Lock(); defer p.mu.Unlock(); return p.level }
func (p *fakePin) SetIRQ(_ Edge, h func()) error {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	return nil
}
func (p *fakePin) ClearIRQ() error { p.mu.Lock(); p.handler = nil; p.mu.Unlock(); return nil }

func (p *fakePin) fire(level bool) {
	p.Set(level)
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h()
	}
}

type fakeSPI struct{ hz uint32 }

func (s *fakeSPI) Tx(w, r []byte) error {
	for i := range r {
		r[i] = 0xFF
	}
	return nil
}
func (s *fakeSPI) Transfer(byte) (byte, error)  { return 0xFF, nil }
func (s *fakeSPI) SetFrequency(hz uint32) error { s.hz = hz; return nil }

type fakeADC struct{ gpio int }

func (a *fakeADC) GPIO() int                    { return a.gpio }
func (a *fakeADC) Configure(int, float32) error { return nil }
func (a *fakeADC) Read(dst []uint16) error {
	for i := range dst {
		dst[i] = 2048
	}
	return nil
}

type fakePlatform struct {
	mu      sync.Mutex
	pins    map[int]*fakePin
	spiFail bool
}

func newFakePlatform() *fakePlatform { return &fakePlatform{pins: map[int]*fakePin{}} }

func (f *fakePlatform) Board() boards.Board { return boards.ESP32DevKit }

func (f *fakePlatform) GPIO(n int) (IRQPin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pins[n]
	if !ok {
		p = &fakePin{n: n}
		f.pins[n] = p
	}
	return p, nil
}

func (f *fakePlatform) pin(n int) *fakePin {
	g, _ := f.GPIO(n)
	return g.(*fakePin)
}

func (f *fakePlatform) SPI(ResourceID, SPIConfig) (SPIBus, error) {
	if f.spiFail {
		return nil, errors.New("clock config rejected")
	}
	return &fakeSPI{}, nil
}

func (f *fakePlatform) ADC(_, _ int, gpio int) (ADCChannel, error) { return &fakeADC{gpio: gpio}, nil }
