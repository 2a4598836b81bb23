// Package sdspi drives an SD card in SPI mode.
//
//	card := sdspi.New(spi, cs)
//	err := card.Init()          // CMD0, CMD8, ACMD41, CMD58 (+CMD16, CMD9)
//	err = card.ReadBlock(0, buf) // 512-byte blocks, LBA addressing
//
// The SPI bus must already be configured for mode 0. If the bus implements
// FrequencySetter the driver runs the identification phase at SlowHz and
// switches to FastHz once the card is ready.
package sdspi

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// BlockSize is fixed at 512 bytes for all cards the driver accepts.
const BlockSize = 512

// Commands (index only; the start bit is added on the wire).
const (
	cmdGoIdle       = 0
	cmdSendIfCond   = 8
	cmdSendCSD      = 9
	cmdStopTrans    = 12
	cmdSetBlockLen  = 16
	cmdReadSingle   = 17
	cmdWriteSingle  = 24
	cmdAppCmd       = 55
	cmdReadOCR      = 58
	acmdSendOpCond  = 41
	tokenStartBlock = 0xFE
)

// R1 bits.
const (
	r1Idle       = 0x01
	r1IllegalCmd = 0x04
)

var (
	ErrNoCard      = errors.New("sdspi: no card response")
	ErrVoltage     = errors.New("sdspi: card rejected 2.7-3.6V range")
	ErrInitTimeout = errors.New("sdspi: card did not leave idle state")
	ErrCommand     = errors.New("sdspi: command rejected")
	ErrTimeout     = errors.New("sdspi: timeout waiting for card")
	ErrWrite       = errors.New("sdspi: write rejected")
	ErrNotReady    = errors.New("sdspi: card not initialised")
	ErrRange       = errors.New("sdspi: block out of range")
)

// Kind is the card generation determined by Init.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSDv1         // SDSC, SD 1.x
	KindSDv2         // SDSC, SD 2.0+
	KindSDHC         // SDHC/SDXC, block addressed
)

func (k Kind) String() string {
	switch k {
	case KindSDv1:
		return "sdsc_v1"
	case KindSDv2:
		return "sdsc_v2"
	case KindSDHC:
		return "sdhc"
	default:
		return "unknown"
	}
}

// Pin is the chip-select line; true drives it high (deselected).
type Pin interface {
	Set(bool)
}

// FrequencySetter is implemented by buses that can retune their clock.
type FrequencySetter interface {
	SetFrequency(hz uint32) error
}

// Config is optional.
type Config struct {
	// SlowHz is used during identification. Default 400 kHz.
	SlowHz uint32
	// FastHz is used after Init. Default 20 MHz.
	FastHz uint32
	// InitTimeout bounds the ACMD41 loop. Default 1 s.
	InitTimeout time.Duration
	// IdleRetries is the number of CMD0 attempts. Default 10.
	IdleRetries int
}

func (c Config) withDefaults() Config {
	if c.SlowHz == 0 {
		c.SlowHz = 400_000
	}
	if c.FastHz == 0 {
		c.FastHz = 20_000_000
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = time.Second
	}
	if c.IdleRetries <= 0 {
		c.IdleRetries = 10
	}
	return c
}

// Card is one SD card on a SPI bus.
type Card struct {
	bus drivers.SPI
	cs  Pin
	cfg Config

	kind   Kind
	blocks uint64
	ready  bool

	cmd [6]byte
	buf [16]byte
}

// New creates a card handle. It does not touch the bus.
func New(bus drivers.SPI, cs Pin, cfgs ...Config) *Card {
	var c Config
	if len(cfgs) > 0 {
		c = cfgs[0]
	}
	return &Card{bus: bus, cs: cs, cfg: c.withDefaults()}
}

func (c *Card) Kind() Kind { return c.kind }

// Blocks is the card capacity in 512-byte blocks (0 if unknown).
func (c *Card) Blocks() uint64 { return c.blocks }

// CapacityBytes is Blocks*512.
func (c *Card) CapacityBytes() uint64 { return c.blocks * BlockSize }

// Init runs the SPI-mode identification sequence.
func (c *Card) Init() error {
	c.ready = false
	c.kind = KindUnknown
	if fs, ok := c.bus.(FrequencySetter); ok {
		_ = fs.SetFrequency(c.cfg.SlowHz)
	}

	// >= 74 clocks with CS high puts the card in native-mode idle.
	c.cs.Set(true)
	for i := 0; i < 10; i++ {
		c.bus.Transfer(0xFF)
	}

	c.select_()
	defer c.deselect()

	r1 := byte(0xFF)
	for i := 0; i < c.cfg.IdleRetries; i++ {
		r1 = c.command(cmdGoIdle, 0)
		if r1 == r1Idle {
			break
		}
	}
	if r1 != r1Idle {
		return ErrNoCard
	}

	// CMD8: voltage 2.7-3.6V, check pattern 0xAA.
	v2 := false
	r1 = c.command(cmdSendIfCond, 0x1AA)
	if r1&r1IllegalCmd == 0 {
		c.readBytes(c.buf[:4])
		if c.buf[2]&0x0F != 0x01 || c.buf[3] != 0xAA {
			return ErrVoltage
		}
		v2 = true
	}

	var hcs uint32
	if v2 {
		hcs = 1 << 30
	}
	deadline := time.Now().Add(c.cfg.InitTimeout)
	for {
		r1 = c.appCommand(acmdSendOpCond, hcs)
		if r1 == 0 {
			break
		}
		if r1&^r1Idle != 0 {
			return ErrCommand
		}
		if time.Now().After(deadline) {
			return ErrInitTimeout
		}
		time.Sleep(time.Millisecond)
	}

	c.kind = KindSDv1
	if v2 {
		c.kind = KindSDv2
		if r1 = c.command(cmdReadOCR, 0); r1 != 0 {
			return ErrCommand
		}
		c.readBytes(c.buf[:4])
		if c.buf[0]&0x40 != 0 { // CCS
			c.kind = KindSDHC
		}
	}
	if c.kind != KindSDHC {
		if r1 = c.command(cmdSetBlockLen, BlockSize); r1 != 0 {
			return ErrCommand
		}
	}

	if err := c.readCSD(); err != nil {
		return err
	}

	if fs, ok := c.bus.(FrequencySetter); ok {
		_ = fs.SetFrequency(c.cfg.FastHz)
	}
	c.ready = true
	return nil
}

func (c *Card) readCSD() error {
	if r1 := c.command(cmdSendCSD, 0); r1 != 0 {
		return ErrCommand
	}
	if err := c.waitToken(); err != nil {
		return err
	}
	csd := c.buf[:16]
	c.readBytes(csd)
	c.readBytes(c.cmd[:2]) // CRC
	c.blocks = parseCSDBlocks(csd)
	return nil
}

// parseCSDBlocks decodes capacity for CSD v1 and v2 layouts.
func parseCSDBlocks(csd []byte) uint64 {
	switch csd[0] >> 6 {
	case 0: // v1
		readBlLen := uint(csd[5] & 0x0F)
		cSize := uint64(csd[6]&0x03)<<10 | uint64(csd[7])<<2 | uint64(csd[8]>>6)
		cSizeMult := uint(csd[9]&0x03)<<1 | uint(csd[10]>>7)
		bytes := (cSize + 1) << (cSizeMult + 2) << readBlLen
		return bytes / BlockSize
	case 1: // v2
		cSize := uint64(csd[7]&0x3F)<<16 | uint64(csd[8])<<8 | uint64(csd[9])
		return (cSize + 1) * 1024
	default:
		return 0
	}
}

// ReadBlock reads one 512-byte block at lba into dst.
func (c *Card) ReadBlock(lba uint64, dst []byte) error {
	if !c.ready {
		return ErrNotReady
	}
	if len(dst) < BlockSize {
		return ErrRange
	}
	if c.blocks != 0 && lba >= c.blocks {
		return ErrRange
	}
	c.select_()
	defer c.deselect()
	if r1 := c.command(cmdReadSingle, c.addr(lba)); r1 != 0 {
		return ErrCommand
	}
	if err := c.waitToken(); err != nil {
		return err
	}
	c.readBytes(dst[:BlockSize])
	c.readBytes(c.cmd[:2]) // CRC, unchecked in SPI mode
	return nil
}

// WriteBlock writes one 512-byte block at lba from src.
func (c *Card) WriteBlock(lba uint64, src []byte) error {
	if !c.ready {
		return ErrNotReady
	}
	if len(src) < BlockSize {
		return ErrRange
	}
	if c.blocks != 0 && lba >= c.blocks {
		return ErrRange
	}
	c.select_()
	defer c.deselect()
	if r1 := c.command(cmdWriteSingle, c.addr(lba)); r1 != 0 {
		return ErrCommand
	}
	c.bus.Transfer(0xFF)
	c.bus.Transfer(tokenStartBlock)
	if err := c.bus.Tx(src[:BlockSize], nil); err != nil {
		return err
	}
	c.bus.Transfer(0xFF)
	c.bus.Transfer(0xFF)
	resp, _ := c.bus.Transfer(0xFF)
	if resp&0x1F != 0x05 {
		return ErrWrite
	}
	return c.waitNotBusy()
}

func (c *Card) addr(lba uint64) uint32 {
	if c.kind == KindSDHC {
		return uint32(lba)
	}
	return uint32(lba * BlockSize)
}

// ---- wire helpers ----

func (c *Card) select_() {
	c.cs.Set(false)
	c.bus.Transfer(0xFF)
}

func (c *Card) deselect() {
	c.cs.Set(true)
	c.bus.Transfer(0xFF) // release MISO
}

// command sends a command frame and returns R1 (0xFF if the card never answered).
func (c *Card) command(idx byte, arg uint32) byte {
	c.cmd[0] = 0x40 | idx
	c.cmd[1] = byte(arg >> 24)
	c.cmd[2] = byte(arg >> 16)
	c.cmd[3] = byte(arg >> 8)
	c.cmd[4] = byte(arg)
	c.cmd[5] = crc7(c.cmd[:5])<<1 | 1
	_ = c.bus.Tx(c.cmd[:], nil)
	if idx == cmdStopTrans {
		c.bus.Transfer(0xFF) // stuff byte
	}
	for i := 0; i < 10; i++ {
		r, _ := c.bus.Transfer(0xFF)
		if r&0x80 == 0 {
			return r
		}
	}
	return 0xFF
}

func (c *Card) appCommand(idx byte, arg uint32) byte {
	c.command(cmdAppCmd, 0)
	return c.command(idx, arg)
}

func (c *Card) readBytes(dst []byte) {
	for i := range dst {
		dst[i], _ = c.bus.Transfer(0xFF)
	}
}

func (c *Card) waitToken() error {
	for i := 0; i < 4096; i++ {
		r, _ := c.bus.Transfer(0xFF)
		if r == tokenStartBlock {
			return nil
		}
		if r != 0xFF {
			return ErrCommand
		}
	}
	return ErrTimeout
}

func (c *Card) waitNotBusy() error {
	for i := 0; i < 65536; i++ {
		if r, _ := c.bus.Transfer(0xFF); r == 0xFF {
			return nil
		}
	}
	return ErrTimeout
}

// crc7 is the SD command CRC (x^7 + x^3 + 1).
func crc7(b []byte) byte {
	var crc byte
	for _, v := range b {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (v^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			v <<= 1
		}
	}
	return crc & 0x7F
}
