package fatfs

import (
	"encoding/binary"
	"strings"
	"time"
)

// FormatOptions tune Format.
type FormatOptions struct {
	Label string           // up to 11 characters; default "NO NAME"
	Now   func() time.Time // volume serial source; default time.Now
}

type layout struct {
	typ      Type
	spc      uint32
	rsvd     uint32
	rootEnt  uint32
	fatSz    uint32
	clusters uint32
}

// layoutFor picks FAT32 from 260 MiB up and FAT16 below, with the cluster
// sizes of the SD Association formatter.
func layoutFor(tot uint32) (layout, error) {
	if tot >= 532480 {
		l := layout{typ: FAT32, rsvd: 32}
		switch {
		case tot <= 16777216:
			l.spc = 8
		case tot <= 33554432:
			l.spc = 16
		case tot <= 67108864:
			l.spc = 32
		default:
			l.spc = 64
		}
		return l, l.size(tot, 4)
	}
	l := layout{typ: FAT16, rsvd: 1, rootEnt: 512}
	for l.spc = 1; l.spc <= 64; l.spc *= 2 {
		if err := l.size(tot, 2); err != nil {
			return l, err
		}
		if l.clusters < 65525 {
			break
		}
	}
	if l.clusters < 4085 {
		return l, ErrTooSmall
	}
	return l, nil
}

// size iterates the FAT length until it covers every data cluster.
func (l *layout) size(tot, width uint32) error {
	rootSecs := l.rootEnt * slotSize / SectorSize
	l.fatSz = 1
	for {
		meta := l.rsvd + 2*l.fatSz + rootSecs
		if meta >= tot {
			return ErrTooSmall
		}
		l.clusters = (tot - meta) / l.spc
		need := ((l.clusters+2)*width + SectorSize - 1) / SectorSize
		if need <= l.fatSz {
			return nil
		}
		l.fatSz = need
	}
}

// Format writes an empty FAT16 or FAT32 volume over the whole device, with
// no partition table. The boot sector is written last.
func Format(dev BlockDevice, o FormatOptions) error {
	blocks := dev.Blocks()
	if blocks > 0xFFFFFFFF {
		blocks = 0xFFFFFFFF
	}
	tot := uint32(blocks)
	l, err := layoutFor(tot)
	if err != nil {
		return err
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	label := strings.ToUpper(o.Label)
	if label == "" {
		label = "NO NAME"
	}
	if len(label) > 11 {
		label = label[:11]
	}

	var zero [SectorSize]byte
	rootSecs := l.rootEnt * slotSize / SectorSize
	meta := l.rsvd + 2*l.fatSz + rootSecs
	for lba := uint32(1); lba < meta; lba++ {
		if err := dev.WriteBlock(uint64(lba), zero[:]); err != nil {
			return err
		}
	}
	if l.typ == FAT32 {
		root := uint64(meta)
		for s := uint32(0); s < l.spc; s++ {
			if err := dev.WriteBlock(root+uint64(s), zero[:]); err != nil {
				return err
			}
		}
	}

	var fat [SectorSize]byte
	if l.typ == FAT16 {
		binary.LittleEndian.PutUint16(fat[0:], 0xFFF8)
		binary.LittleEndian.PutUint16(fat[2:], 0xFFFF)
	} else {
		binary.LittleEndian.PutUint32(fat[0:], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(fat[4:], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(fat[8:], 0x0FFFFFFF) // root directory
	}
	for i := uint32(0); i < 2; i++ {
		if err := dev.WriteBlock(uint64(l.rsvd+i*l.fatSz), fat[:]); err != nil {
			return err
		}
	}

	var s [SectorSize]byte
	s[0], s[2] = 0xEB, 0x90
	copy(s[3:], "MSWIN4.1")
	put16 := func(o int, v uint32) { binary.LittleEndian.PutUint16(s[o:], uint16(v)) }
	put32 := func(o int, v uint32) { binary.LittleEndian.PutUint32(s[o:], v) }
	put16(11, SectorSize)
	s[13] = byte(l.spc)
	put16(14, l.rsvd)
	s[16] = 2
	put16(17, l.rootEnt)
	if l.typ == FAT16 && tot < 0x10000 {
		put16(19, tot)
	} else {
		put32(32, tot)
	}
	s[21] = 0xF8
	put16(24, 63)
	put16(26, 255)
	ext, fsType := 36, "FAT16   "
	if l.typ == FAT16 {
		s[1] = 0x3C
		put16(22, l.fatSz)
	} else {
		s[1] = 0x58
		put32(36, l.fatSz)
		put32(44, 2) // root cluster
		put16(48, 1) // FSInfo
		put16(50, 6) // backup boot sector
		ext, fsType = 64, "FAT32   "
	}
	s[ext] = 0x80
	s[ext+2] = 0x29
	put32(ext+3, uint32(now().Unix()))
	copy(s[ext+7:ext+18], label+strings.Repeat(" ", 11-len(label)))
	copy(s[ext+18:ext+26], fsType)
	s[510], s[511] = 0x55, 0xAA

	if l.typ == FAT32 {
		var info [SectorSize]byte
		binary.LittleEndian.PutUint32(info[0:], 0x41615252)
		binary.LittleEndian.PutUint32(info[484:], 0x61417272)
		binary.LittleEndian.PutUint32(info[488:], 0xFFFFFFFF)
		binary.LittleEndian.PutUint32(info[492:], 0xFFFFFFFF)
		info[510], info[511] = 0x55, 0xAA
		for _, lba := range []uint64{1, 7} {
			if err := dev.WriteBlock(lba, info[:]); err != nil {
				return err
			}
		}
		if err := dev.WriteBlock(6, s[:]); err != nil {
			return err
		}
	}
	return dev.WriteBlock(0, s[:])
}
