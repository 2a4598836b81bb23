// Package sdsim is an in-memory SD card that speaks the SPI-mode protocol
// on the byte level. It stands in for real hardware in tests and in the
// host simulation provider.
package sdsim

import (
	"errors"
	"io"
	"os"
	"sync"

	"audiocode-go/drivers/fatfs"
)

const blockSize = 512

// Options shape the simulated card.
type Options struct {
	Blocks     uint64 // capacity; default 8192 (4 MiB)
	Absent     bool   // no card in the slot: MISO stays high
	V1         bool   // SD 1.x card: CMD8 is illegal
	SDSC       bool   // v2 card without CCS (byte addressed)
	BadVoltage bool   // CMD8 echo reports an unsupported range
	NeverReady bool   // ACMD41 never leaves idle
	IdleAfter  int    // ACMD41 polls before ready; default 2
	Unformat   bool   // leave the image blank instead of formatting it FAT
	Label      string // volume label when formatting
}

type state uint8

const (
	stIdle state = iota
	stCmd
	stWriteToken
	stWriteData
)

// Card implements tinygo drivers.SPI plus FrequencySetter.
type Card struct {
	mu   sync.Mutex
	opts Options
	img  []byte
	file io.WriterAt // write-through backing store, nil for memory only

	selected bool
	freqHz   uint32

	st     state
	cmdBuf []byte
	out    []byte
	appCmd bool
	inited bool
	polls  int

	wrAddr uint64
	wrBuf  []byte

	// Counters for tests.
	Commands []byte
	MaxHz    uint32
}

func New(o Options) *Card {
	o = o.withDefaults()
	c := &Card{opts: o, img: make([]byte, o.Blocks*blockSize)}
	if !o.Unformat {
		// Fails only when the card is too small for FAT16; it then stays blank.
		_ = fatfs.Format(c.Device(), fatfs.FormatOptions{Label: o.Label})
	}
	return c
}

func (o Options) withDefaults() Options {
	if o.Blocks == 0 {
		o.Blocks = 8192
	}
	if o.IdleAfter == 0 {
		o.IdleAfter = 2
	}
	return o
}

// Open backs a card with the image file at path. An existing file is
// loaded and sets the capacity; a missing one is created with o.Blocks
// and formatted. Every block the host writes goes through to the file.
func Open(path string, o Options) (*Card, error) {
	o = o.withDefaults()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		c := New(o)
		if _, err := f.WriteAt(c.img, 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		c.file = f
		return c, nil
	}
	if st.Size()%blockSize != 0 {
		_ = f.Close()
		return nil, errors.New("sdsim: image size is not a multiple of 512")
	}
	o.Blocks = uint64(st.Size()) / blockSize
	c := &Card{opts: o, img: make([]byte, st.Size()), file: f}
	if _, err := f.ReadAt(c.img, 0); err != nil && err != io.EOF {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the image file, if any.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.file.(io.Closer); ok {
		c.file = nil
		return cl.Close()
	}
	return nil
}

// Device is a direct block view of the image, bypassing the SPI protocol.
// Tests use it to inspect what the host left on the card.
func (c *Card) Device() fatfs.BlockDevice { return imageDev{c} }

type imageDev struct{ c *Card }

func (d imageDev) ReadBlock(lba uint64, dst []byte) error {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if lba >= d.Blocks() {
		return errors.New("sdsim: block out of range")
	}
	copy(dst, d.c.img[lba*blockSize:(lba+1)*blockSize])
	return nil
}

func (d imageDev) WriteBlock(lba uint64, src []byte) error {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if lba >= d.Blocks() {
		return errors.New("sdsim: block out of range")
	}
	return d.c.store(lba*blockSize, src[:blockSize])
}

func (d imageDev) Blocks() uint64 { return uint64(len(d.c.img)) / blockSize }

// store writes one block to the image and the backing file.
func (c *Card) store(off uint64, b []byte) error {
	copy(c.img[off:off+blockSize], b)
	if c.file != nil {
		if _, err := c.file.WriteAt(b, int64(off)); err != nil {
			return err
		}
	}
	return nil
}

// CS returns the chip-select line for the card.
func (c *Card) CS() *CSPin { return &CSPin{c: c} }

// CSPin implements sdspi.Pin.
type CSPin struct{ c *Card }

func (p *CSPin) Set(high bool) {
	p.c.mu.Lock()
	p.c.selected = !high
	if high {
		p.c.cmdBuf = p.c.cmdBuf[:0]
	}
	p.c.mu.Unlock()
}

func (c *Card) SetFrequency(hz uint32) error {
	c.mu.Lock()
	c.freqHz = hz
	if hz > c.MaxHz {
		c.MaxHz = hz
	}
	c.mu.Unlock()
	return nil
}

func (c *Card) Frequency() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqHz
}

// Image exposes the backing store.
func (c *Card) Image() []byte { return c.img }

// Transfer shifts one byte each way.
func (c *Card) Transfer(b byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xfer(b), nil
}

// Tx is a full-duplex transfer; nil w sends 0xFF, nil r discards.
func (c *Card) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		b := byte(0xFF)
		if i < len(w) {
			b = w[i]
		}
		v := c.xfer(b)
		if i < len(r) {
			r[i] = v
		}
	}
	return nil
}

func (c *Card) xfer(in byte) byte {
	if c.opts.Absent || !c.selected {
		return 0xFF
	}
	resp := byte(0xFF)
	if len(c.out) > 0 {
		resp = c.out[0]
		c.out = c.out[1:]
	}
	c.consume(in)
	return resp
}

func (c *Card) consume(in byte) {
	switch c.st {
	case stWriteToken:
		if in == 0xFE {
			c.st = stWriteData
			c.wrBuf = c.wrBuf[:0]
		}
	case stWriteData:
		c.wrBuf = append(c.wrBuf, in)
		if len(c.wrBuf) == blockSize+2 {
			if err := c.store(c.wrAddr, c.wrBuf[:blockSize]); err != nil {
				c.out = append(c.out, 0xED) // write error
			} else {
				c.out = append(c.out, 0xE5, 0x00, 0x00) // data accepted, then busy
			}
			c.st = stIdle
		}
	default:
		if len(c.cmdBuf) == 0 && in&0xC0 != 0x40 {
			return
		}
		c.cmdBuf = append(c.cmdBuf, in)
		if len(c.cmdBuf) == 6 {
			c.command(c.cmdBuf[0]&0x3F, uint32(c.cmdBuf[1])<<24|uint32(c.cmdBuf[2])<<16|uint32(c.cmdBuf[3])<<8|uint32(c.cmdBuf[4]))
			c.cmdBuf = c.cmdBuf[:0]
		}
	}
}

func (c *Card) r1() byte {
	if c.inited {
		return 0x00
	}
	return 0x01
}

func (c *Card) reply(b ...byte) {
	c.out = append(c.out[:0], 0xFF) // NCR
	c.out = append(c.out, b...)
}

func (c *Card) command(idx byte, arg uint32) {
	c.Commands = append(c.Commands, idx)
	app := c.appCmd
	c.appCmd = false

	switch {
	case idx == 0:
		c.inited = false
		c.polls = 0
		c.reply(0x01)
	case idx == 8:
		if c.opts.V1 {
			c.reply(0x05) // idle + illegal command
			return
		}
		vhs := byte(arg>>8) & 0x0F
		if c.opts.BadVoltage {
			vhs = 0
		}
		c.reply(c.r1(), 0x00, 0x00, vhs, byte(arg))
	case idx == 55:
		c.appCmd = true
		c.reply(c.r1())
	case idx == 41 && app:
		c.polls++
		if !c.opts.NeverReady && c.polls >= c.opts.IdleAfter {
			c.inited = true
		}
		c.reply(c.r1())
	case idx == 58:
		ocr0 := byte(0x80) // power-up done
		if !c.opts.V1 && !c.opts.SDSC {
			ocr0 |= 0x40
		}
		c.reply(c.r1(), ocr0, 0xFF, 0x80, 0x00)
	case idx == 16:
		if arg != blockSize {
			c.reply(0x40) // parameter error
			return
		}
		c.reply(c.r1())
	case idx == 9:
		c.reply(append([]byte{c.r1(), 0xFF, 0xFE}, append(c.csd(), 0xFF, 0xFF)...)...)
	case idx == 17:
		off, ok := c.offset(arg)
		if !ok {
			c.reply(0x40)
			return
		}
		data := append([]byte{c.r1(), 0xFF, 0xFE}, c.img[off:off+blockSize]...)
		c.reply(append(data, 0xFF, 0xFF)...)
	case idx == 24:
		off, ok := c.offset(arg)
		if !ok {
			c.reply(0x40)
			return
		}
		c.wrAddr = off
		c.st = stWriteToken
		c.reply(c.r1())
	default:
		c.reply(c.r1() | 0x04)
	}
}

func (c *Card) offset(arg uint32) (uint64, bool) {
	if !c.inited {
		return 0, false
	}
	off := uint64(arg)
	if !c.opts.V1 && !c.opts.SDSC {
		off *= blockSize
	}
	if off%blockSize != 0 || off+blockSize > uint64(len(c.img)) {
		return 0, false
	}
	return off, true
}

// csd builds a CSD register describing the card capacity.
func (c *Card) csd() []byte {
	csd := make([]byte, 16)
	if c.opts.V1 || c.opts.SDSC {
		// v1: blocks = (C_SIZE+1) * 2^(C_SIZE_MULT+2), READ_BL_LEN = 9.
		mult := uint(7)
		cSize := c.opts.Blocks>>(mult+2) - 1
		csd[5] = 9
		csd[6] = byte(cSize>>10) & 0x03
		csd[7] = byte(cSize >> 2)
		csd[8] = byte(cSize&0x03) << 6
		csd[9] = byte(mult>>1) & 0x03
		csd[10] = byte(mult&1) << 7
		return csd
	}
	csd[0] = 0x40
	cSize := c.opts.Blocks/1024 - 1
	csd[7] = byte(cSize>>16) & 0x3F
	csd[8] = byte(cSize >> 8)
	csd[9] = byte(cSize)
	return csd
}
