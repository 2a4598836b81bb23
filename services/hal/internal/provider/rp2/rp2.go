//go:build rp2040

// Package rp2 is the RP2040 platform: machine GPIO with pin-change
// interrupts, the two hardware SPI controllers, the on-chip ADC and a UART
// log console.
package rp2

import (
	"io"
	"machine"
	"sync"
	"time"

	uartx "github.com/jangala-dev/tinygo-uartx/uartx"

	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/boards"
	"audiocode-go/services/hal/internal/core"
)

// Ensure the platform satisfies the contract at compile time.
var _ core.Platform = (*Platform)(nil)

type Platform struct {
	mu      sync.Mutex
	adcInit bool
}

func New() *Platform { return &Platform{} }

func (p *Platform) Board() boards.Board { return boards.Pico }

// Console configures UART0 on GP0/GP1 and returns it as a log writer.
func Console(baud uint32) io.Writer {
	_ = uartx.UART0.Configure(uartx.UARTConfig{
		BaudRate: baud,
		TX:       machine.UART0_TX_PIN,
		RX:       machine.UART0_RX_PIN,
	})
	return uartx.UART0
}

// -----------------------------------------------------------------------------
// GPIO
// -----------------------------------------------------------------------------

type rp2GPIO struct {
	p machine.Pin
	n int
}

func (p *Platform) GPIO(n int) (core.IRQPin, error) {
	if !boards.Pico.HasGPIO(n) {
		return nil, errcode.UnknownPin
	}
	return &rp2GPIO{p: machine.Pin(n), n: n}, nil
}

func (r *rp2GPIO) Number() int { return r.n }

func (r *rp2GPIO) ConfigureInput(pull core.Pull) error {
	var mode machine.PinMode
	switch pull {
	case core.PullUp:
		mode = machine.PinInputPullup
	case core.PullDown:
		mode = machine.PinInputPulldown
	default:
		mode = machine.PinInput
	}
	r.p.Configure(machine.PinConfig{Mode: mode})
	return nil
}

func (r *rp2GPIO) ConfigureOutput(initial bool) error {
	r.p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	r.p.Set(initial)
	return nil
}

func (r *rp2GPIO) Set(b bool) { r.p.Set(b) }
func (r *rp2GPIO) Get() bool  { return r.p.Get() }

func (r *rp2GPIO) SetIRQ(edge core.Edge, handler func()) error {
	var change machine.PinChange
	switch edge {
	case core.EdgeRising:
		change = machine.PinRising
	case core.EdgeFalling:
		change = machine.PinFalling
	default:
		change = machine.PinToggle
	}
	return r.p.SetInterrupt(change, func(machine.Pin) { handler() })
}

func (r *rp2GPIO) ClearIRQ() error { return r.p.SetInterrupt(0, nil) }

// -----------------------------------------------------------------------------
// SPI
// -----------------------------------------------------------------------------

type rp2SPI struct {
	*machine.SPI
}

func (s rp2SPI) SetFrequency(hz uint32) error { return s.SPI.SetBaudRate(hz) }

func (p *Platform) SPI(id core.ResourceID, cfg core.SPIConfig) (core.SPIBus, error) {
	var hw *machine.SPI
	switch id {
	case "spi0":
		hw = machine.SPI0
	case "spi1":
		hw = machine.SPI1
	default:
		return nil, errcode.UnknownBus
	}
	err := hw.Configure(machine.SPIConfig{
		Frequency: cfg.FreqHz,
		SCK:       machine.Pin(cfg.SCK),
		SDO:       machine.Pin(cfg.SDO),
		SDI:       machine.Pin(cfg.SDI),
		Mode:      cfg.Mode,
	})
	if err != nil {
		// Pins not routable to this controller.
		return nil, err
	}
	return rp2SPI{hw}, nil
}

// -----------------------------------------------------------------------------
// ADC
// -----------------------------------------------------------------------------

type rp2ADC struct {
	adc    machine.ADC
	gpio   int
	period time.Duration
	next   time.Time
}

func (p *Platform) ADC(unit, channel, gpio int) (core.ADCChannel, error) {
	p.mu.Lock()
	if !p.adcInit {
		machine.InitADC()
		p.adcInit = true
	}
	p.mu.Unlock()
	a := &rp2ADC{adc: machine.ADC{Pin: machine.Pin(gpio)}, gpio: gpio}
	a.adc.Configure(machine.ADCConfig{})
	return a, nil
}

func (a *rp2ADC) GPIO() int { return a.gpio }

// Configure sets the pacing. The RP2040 front end has no attenuator.
func (a *rp2ADC) Configure(sampleRate int, _ float32) error {
	if sampleRate <= 0 {
		return errcode.ConfigRange
	}
	a.period = time.Second / time.Duration(sampleRate)
	a.next = time.Time{}
	return nil
}

// Read paces conversions against a running deadline so that scheduling
// jitter does not accumulate.
func (a *rp2ADC) Read(dst []uint16) error {
	if a.period == 0 {
		return errcode.NotStarted
	}
	if a.next.IsZero() {
		a.next = time.Now()
	}
	for i := range dst {
		for time.Now().Before(a.next) {
		}
		dst[i] = a.adc.Get() >> 4 // machine reports 16-bit left-justified
		a.next = a.next.Add(a.period)
	}
	return nil
}
