package core

import (
	"time"

	"github.com/spf13/afero"
	"tinygo.org/x/drivers"

	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/boards"
)

type ResourceID string // e.g. "spi3", "adc1"

// ---- GPIO ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// PinFunc records what a claimed pin is used for.
type PinFunc uint8

const (
	FuncGPIOIn PinFunc = iota
	FuncGPIOOut
	FuncSPI
	FuncADC
)

type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

type GPIOHandle interface {
	Number() int
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(bool)
	Get() bool
}

// IRQPin is a GPIO a platform can attach an edge interrupt to. The handler
// runs in interrupt context on MCUs and must not block.
type IRQPin interface {
	GPIOHandle
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

type EdgeEvent struct {
	Pin   int
	Level bool
	Edge  Edge
	TS    time.Time
}

type GPIOEdgeStream interface {
	Events() <-chan EdgeEvent
	Close()
}

// ---- SPI ----

// SPIPins is the four-wire wiring of one SPI peripheral.
type SPIPins struct {
	MISO int `json:"miso" yaml:"miso"`
	MOSI int `json:"mosi" yaml:"mosi"`
	CLK  int `json:"clk" yaml:"clk"`
	CS   int `json:"cs" yaml:"cs"`
}

// DefaultSPIPins is the ESP32 VSPI wiring used by the recorder.
var DefaultSPIPins = SPIPins{MISO: 19, MOSI: 23, CLK: 18, CS: 5}

// Validate checks the pins are distinct and usable on b.
func (p SPIPins) Validate(b boards.Board) error {
	const op = "spi.pins"
	all := [4]int{p.MISO, p.MOSI, p.CLK, p.CS}
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if all[i] == all[j] {
				return &errcode.E{C: errcode.InvalidPins, Op: op, Msg: "pins must be distinct"}
			}
		}
	}
	if !b.HasGPIO(p.MISO) {
		return &errcode.E{C: errcode.InvalidPins, Op: op, Msg: "miso out of range"}
	}
	for _, n := range all[1:] {
		if !b.CanDrive(n) {
			return &errcode.E{C: errcode.InvalidPins, Op: op, Msg: "mosi/clk/cs must be output-capable"}
		}
	}
	return nil
}

type SPIConfig struct {
	FreqHz uint32
	Mode   uint8
	SCK    int
	SDO    int // MOSI
	SDI    int // MISO
}

// SPIBus is an exclusively claimed SPI controller. It follows the tinygo
// drivers.SPI contract and can retune its clock.
type SPIBus interface {
	drivers.SPI
	SetFrequency(hz uint32) error
}

// ---- ADC ----

// ADCChannel samples one analogue input. Read fills dst with 12-bit codes
// (0..4095) taken at the configured rate and blocks for len(dst) samples.
type ADCChannel interface {
	GPIO() int
	Configure(sampleRate int, attenuationDB float32) error
	Read(dst []uint16) error
}

// ---- Block storage ----

type BlockDevice interface {
	ReadBlock(lba uint64, dst []byte) error
	WriteBlock(lba uint64, src []byte) error
	Blocks() uint64
}

// ---- Unified registry interface ----

type ResourceRegistry interface {
	Board() boards.Board

	// GPIO
	ClaimPin(devID string, pin int, fn PinFunc) (GPIOHandle, error)
	ReleasePin(devID string, pin int)
	SubscribeGPIOEdges(devID string, pin int, edge Edge, debounce time.Duration, bufLen int) (GPIOEdgeStream, error)
	UnsubscribeGPIOEdges(devID string, pin int)

	// SPI controllers (pins are claimed separately with FuncSPI).
	ClaimSPI(devID string, id ResourceID, cfg SPIConfig) (SPIBus, error)
	ReleaseSPI(devID string, id ResourceID)

	// ADC (claims the channel's GPIO with FuncADC).
	ClaimADC(devID string, unit, channel int) (ADCChannel, error)
	ReleaseADC(devID string, unit, channel int)

	// Volumes: the FAT filesystem on a block device behind a bus.
	OpenVolume(devID string, id ResourceID, dev BlockDevice) (afero.Fs, error)
	CloseVolume(devID string, id ResourceID)
}

// Platform is what a provider supplies; Registry layers ownership on top.
type Platform interface {
	Board() boards.Board
	GPIO(n int) (IRQPin, error)
	SPI(id ResourceID, cfg SPIConfig) (SPIBus, error)
	ADC(unit, channel, gpio int) (ADCChannel, error)
}
