//go:build linux && periph

// Package linux is the Linux SBC platform built on periph.io: sysfs/gpiochip
// GPIO with edge waits and spidev SPI. The card is driven over SPI like on
// the microcontrollers, so the kernel must not claim it.
package linux

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/boards"
	"audiocode-go/services/hal/internal/core"
)

// Ensure the platform satisfies the contract at compile time.
var _ core.Platform = (*Platform)(nil)

type Platform struct {
	board boards.Board

	mu   sync.Mutex
	pins map[int]*pin
}

// New initialises periph.
func New(board boards.Board) (*Platform, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return &Platform{board: board, pins: map[int]*pin{}}, nil
}

func (p *Platform) Board() boards.Board { return p.board }

// -----------------------------------------------------------------------------
// GPIO
// -----------------------------------------------------------------------------

type pin struct {
	n  int
	io gpio.PinIO

	mu   sync.Mutex
	pull gpio.Pull
	stop chan struct{}
}

func (p *Platform) GPIO(n int) (core.IRQPin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.pins[n]; ok {
		return g, nil
	}
	name := fmt.Sprintf("GPIO%d", n)
	io := gpioreg.ByName(name)
	if io == nil {
		return nil, errcode.UnknownPin
	}
	g := &pin{n: n, io: io, pull: gpio.PullNoChange}
	p.pins[n] = g
	return g, nil
}

func (g *pin) Number() int { return g.n }

func (g *pin) ConfigureInput(pull core.Pull) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch pull {
	case core.PullUp:
		g.pull = gpio.PullUp
	case core.PullDown:
		g.pull = gpio.PullDown
	default:
		g.pull = gpio.Float
	}
	return g.io.In(g.pull, gpio.NoEdge)
}

func (g *pin) ConfigureOutput(initial bool) error { return g.io.Out(gpio.Level(initial)) }

func (g *pin) Set(b bool) { _ = g.io.Out(gpio.Level(b)) }
func (g *pin) Get() bool  { return g.io.Read() == gpio.High }

// SetIRQ emulates an interrupt with a goroutine blocked in WaitForEdge.
func (g *pin) SetIRQ(edge core.Edge, handler func()) error {
	e := gpio.BothEdges
	switch edge {
	case core.EdgeRising:
		e = gpio.RisingEdge
	case core.EdgeFalling:
		e = gpio.FallingEdge
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.io.In(g.pull, e); err != nil {
		return err
	}
	if g.stop != nil {
		close(g.stop)
	}
	stop := make(chan struct{})
	g.stop = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if g.io.WaitForEdge(-1) {
				select {
				case <-stop:
					return
				default:
					handler()
				}
			}
		}
	}()
	return nil
}

func (g *pin) ClearIRQ() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
	// Switching to NoEdge releases the blocked WaitForEdge.
	return g.io.In(g.pull, gpio.NoEdge)
}

// -----------------------------------------------------------------------------
// SPI
// -----------------------------------------------------------------------------

// spiBus wraps a spidev connection. periph fixes the clock at Connect, so
// SetFrequency only records the request; the bus stays at the first clock.
type spiBus struct {
	port spi.PortCloser
	conn spi.Conn
	hz   uint32
}

func (p *Platform) SPI(id core.ResourceID, cfg core.SPIConfig) (core.SPIBus, error) {
	// "spi0" -> "SPI0.0" (chip select is driven as a GPIO).
	var bus int
	if _, err := fmt.Sscanf(string(id), "spi%d", &bus); err != nil {
		return nil, errcode.UnknownBus
	}
	port, err := spireg.Open(fmt.Sprintf("SPI%d.0", bus))
	if err != nil {
		return nil, err
	}
	conn, err := port.Connect(physic.Frequency(cfg.FreqHz)*physic.Hertz, spi.Mode(cfg.Mode), 8)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return &spiBus{port: port, conn: conn, hz: cfg.FreqHz}, nil
}

func (s *spiBus) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	wb := w
	if len(wb) < n {
		wb = make([]byte, n)
		copy(wb, w)
		for i := len(w); i < n; i++ {
			wb[i] = 0xFF
		}
	}
	rb := r
	if len(rb) < n {
		rb = make([]byte, n)
	}
	if err := s.conn.Tx(wb, rb); err != nil {
		return err
	}
	copy(r, rb)
	return nil
}

func (s *spiBus) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := s.conn.Tx([]byte{b}, r[:])
	return r[0], err
}

func (s *spiBus) SetFrequency(hz uint32) error { s.hz = hz; return nil }

// -----------------------------------------------------------------------------
// ADC
// -----------------------------------------------------------------------------

// ADC: Linux SBCs expose no on-chip ADC through periph.
func (p *Platform) ADC(_, _, _ int) (core.ADCChannel, error) {
	return nil, errcode.Unsupported
}
