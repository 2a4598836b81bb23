// Package fatfs is a FAT16/FAT32 filesystem with long file names over a
// device of 512-byte blocks. A mounted FS implements afero.Fs, so a card
// volume plugs into the VFS namespace like any other filesystem.
//
//	fsys, err := fatfs.Mount(card)
//	f, err := fsys.Create("recording_20240101_120000.wav")
//
// The FS is safe for concurrent use. A file should have one writer at a
// time; each open file keeps its own sector buffer until Sync or Close.
package fatfs

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
	"time"
)

// SectorSize is the only sector size the package accepts.
const SectorSize = 512

// BlockDevice is satisfied by the SD SPI driver and by in-memory images.
type BlockDevice interface {
	ReadBlock(lba uint64, dst []byte) error
	WriteBlock(lba uint64, src []byte) error
	Blocks() uint64
}

var (
	ErrNoSignature  = errors.New("fatfs: missing 0x55AA boot signature")
	ErrNoFilesystem = errors.New("fatfs: no FAT boot sector or partition")
	ErrUnsupported  = errors.New("fatfs: unsupported FAT variant")
	ErrCorrupt      = errors.New("fatfs: inconsistent volume")
	ErrTooSmall     = errors.New("fatfs: device too small")
	ErrNoSpace      = errors.New("fatfs: no free clusters")
	ErrDirFull      = errors.New("fatfs: directory full")
	ErrNotEmpty     = errors.New("fatfs: directory not empty")
	ErrIsDir        = errors.New("fatfs: is a directory")
	ErrNotDir       = errors.New("fatfs: not a directory")
	ErrName         = errors.New("fatfs: invalid file name")
	ErrTooLarge     = errors.New("fatfs: file too large")
	ErrReadOnly     = errors.New("fatfs: file not open for writing")
)

// Type is the FAT variant of a mounted volume.
type Type uint8

const (
	FAT16 Type = 16
	FAT32 Type = 32
)

func (t Type) String() string {
	switch t {
	case FAT16:
		return "fat16"
	case FAT32:
		return "fat32"
	default:
		return "unknown"
	}
}

const (
	attrReadOnly = 0x01
	attrVolume   = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLFN      = 0x0F

	slotSize       = 32
	slotsPerSector = SectorSize / slotSize

	maxFileSize = 0xFFFFFFFF
)

// sector is a one-block write-back buffer.
type sector struct {
	lba   uint64
	valid bool
	dirty bool
	buf   [SectorSize]byte
}

// FS is a mounted FAT volume.
type FS struct {
	mu  sync.Mutex
	dev BlockDevice
	now func() time.Time

	typ       Type
	base      uint64 // partition start
	spc       uint32 // sectors per cluster
	numFATs   uint32
	fatSz     uint32
	fatStart  uint64
	rootStart uint64 // FAT16 fixed root region
	rootSecs  uint32
	dataStart uint64
	clusters  uint32 // data clusters, numbered from 2
	rootClus  uint32 // FAT32 root directory
	fsInfo    uint64 // FAT32 FSInfo sector, 0 if none
	label     string

	hint      uint32
	infoStale bool

	cache sector
	open  map[*File]struct{}
}

// Option configures Mount.
type Option func(*FS)

// WithClock sets the time source for directory entry timestamps.
func WithClock(now func() time.Time) Option { return func(v *FS) { v.now = now } }

// Mount reads the boot sector of dev, or of the first FAT partition of an
// MBR, and returns the volume.
func Mount(dev BlockDevice, opts ...Option) (*FS, error) {
	v := &FS{dev: dev, now: time.Now, open: map[*File]struct{}{}}
	for _, o := range opts {
		o(v)
	}
	var s [SectorSize]byte
	if err := dev.ReadBlock(0, s[:]); err != nil {
		return nil, err
	}
	if s[510] != 0x55 || s[511] != 0xAA {
		return nil, ErrNoSignature
	}
	if !isVBR(s[:]) {
		lba, ok := firstFATPartition(s[:])
		if !ok {
			return nil, ErrNoFilesystem
		}
		if err := dev.ReadBlock(lba, s[:]); err != nil {
			return nil, err
		}
		if s[510] != 0x55 || s[511] != 0xAA || !isVBR(s[:]) {
			return nil, ErrNoFilesystem
		}
		v.base = lba
	}
	if err := v.parseBPB(s[:]); err != nil {
		return nil, err
	}
	v.hint = 2
	return v, nil
}

func isVBR(s []byte) bool {
	if !(s[0] == 0xEB && s[2] == 0x90) && s[0] != 0xE9 {
		return false
	}
	spc := s[13]
	return le16(s[11:]) == SectorSize && spc != 0 && spc&(spc-1) == 0 && s[16] != 0 && le16(s[14:]) != 0
}

// firstFATPartition returns the start of the first MBR entry with a FAT
// partition type.
func firstFATPartition(s []byte) (uint64, bool) {
	for i := 0; i < 4; i++ {
		e := s[446+16*i:]
		if e[0] != 0x00 && e[0] != 0x80 {
			continue
		}
		switch e[4] {
		case 0x04, 0x06, 0x0B, 0x0C, 0x0E:
			if lba := le32(e[8:]); lba != 0 {
				return uint64(lba), true
			}
		}
	}
	return 0, false
}

func (v *FS) parseBPB(s []byte) error {
	v.spc = uint32(s[13])
	rsvd := uint32(le16(s[14:]))
	v.numFATs = uint32(s[16])
	rootEnt := uint32(le16(s[17:]))
	tot := uint32(le16(s[19:]))
	if tot == 0 {
		tot = le32(s[32:])
	}
	v.fatSz = uint32(le16(s[22:]))
	if v.fatSz == 0 {
		v.fatSz = le32(s[36:])
	}
	v.rootSecs = (rootEnt*slotSize + SectorSize - 1) / SectorSize
	meta := rsvd + v.numFATs*v.fatSz + v.rootSecs
	if v.fatSz == 0 || tot <= meta {
		return ErrCorrupt
	}
	if n := v.dev.Blocks(); n != 0 && v.base+uint64(tot) > n {
		return ErrCorrupt
	}
	v.clusters = (tot - meta) / v.spc
	switch {
	case v.clusters < 4085:
		return ErrUnsupported // FAT12
	case v.clusters < 65525:
		v.typ = FAT16
		if rootEnt == 0 {
			return ErrCorrupt
		}
	default:
		v.typ = FAT32
		v.rootClus = le32(s[44:])
		if info := uint64(le16(s[48:])); info != 0 && info != 0xFFFF && info < uint64(rsvd) {
			v.fsInfo = v.base + info
		}
	}
	bytesPerEntry := uint64(2)
	if v.typ == FAT32 {
		bytesPerEntry = 4
	}
	if uint64(v.fatSz)*SectorSize < (uint64(v.clusters)+2)*bytesPerEntry {
		return ErrCorrupt
	}
	v.fatStart = v.base + uint64(rsvd)
	v.rootStart = v.fatStart + uint64(v.numFATs)*uint64(v.fatSz)
	v.dataStart = v.rootStart + uint64(v.rootSecs)
	if v.typ == FAT32 && !v.valid(v.rootClus) {
		return ErrCorrupt
	}
	labelAt := 43
	if v.typ == FAT32 {
		labelAt = 71
	}
	if s[labelAt-5] == 0x29 {
		v.label = trimSpace(s[labelAt : labelAt+11])
	}
	return nil
}

// Type reports FAT16 or FAT32.
func (v *FS) Type() Type { return v.typ }

// Label is the volume label from the boot sector.
func (v *FS) Label() string { return v.label }

// ClusterBytes is the allocation unit.
func (v *FS) ClusterBytes() int { return int(v.spc) * SectorSize }

// Capacity is the size of the data region in bytes.
func (v *FS) Capacity() uint64 { return uint64(v.clusters) * uint64(v.ClusterBytes()) }

// Free counts unallocated clusters and returns their size in bytes.
func (v *FS) Free() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var n uint64
	for c := uint32(2); c < v.clusters+2; c++ {
		val, err := v.next(c)
		if err != nil {
			return 0, err
		}
		if val == 0 {
			n++
		}
	}
	return n * uint64(v.ClusterBytes()), nil
}

// Sync writes back every open file and the metadata buffer.
func (v *FS) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.syncAll()
}

// Unmount syncs and detaches all open files; later calls on them fail.
func (v *FS) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.syncAll()
	for f := range v.open {
		f.closed = true
	}
	v.open = map[*File]struct{}{}
	v.cache.valid = false
	return err
}

func (v *FS) syncAll() error {
	var first error
	for f := range v.open {
		if err := f.sync(); err != nil && first == nil {
			first = err
		}
	}
	if err := v.flush(); err != nil && first == nil {
		first = err
	}
	return first
}

// ---- sector buffer ----

// load makes lba the buffered sector, writing back a dirty predecessor.
func (v *FS) load(lba uint64) (*[SectorSize]byte, error) {
	c := &v.cache
	if c.valid && c.lba == lba {
		return &c.buf, nil
	}
	if err := v.flush(); err != nil {
		return nil, err
	}
	if err := v.dev.ReadBlock(lba, c.buf[:]); err != nil {
		c.valid = false
		return nil, err
	}
	c.lba, c.valid, c.dirty = lba, true, false
	return &c.buf, nil
}

// blank makes lba the buffered sector with zero content, marked dirty.
func (v *FS) blank(lba uint64) error {
	if err := v.flush(); err != nil {
		return err
	}
	c := &v.cache
	c.buf = [SectorSize]byte{}
	c.lba, c.valid, c.dirty = lba, true, true
	return nil
}

func (v *FS) touch() { v.cache.dirty = true }

// flush writes the buffered sector back, mirrored to every FAT copy when
// it belongs to the first FAT.
func (v *FS) flush() error {
	c := &v.cache
	if !c.valid || !c.dirty {
		return nil
	}
	if err := v.dev.WriteBlock(c.lba, c.buf[:]); err != nil {
		return err
	}
	if c.lba >= v.fatStart && c.lba < v.fatStart+uint64(v.fatSz) {
		for i := uint32(1); i < v.numFATs; i++ {
			if err := v.dev.WriteBlock(c.lba+uint64(i)*uint64(v.fatSz), c.buf[:]); err != nil {
				return err
			}
		}
	}
	c.dirty = false
	return nil
}

// forget drops the metadata buffer if it holds lba; file data written
// directly supersedes it.
func (v *FS) forget(lba uint64) {
	if v.cache.valid && v.cache.lba == lba {
		v.cache.valid = false
	}
}

// ---- FAT ----

func (v *FS) valid(c uint32) bool { return c >= 2 && c < v.clusters+2 }

func (v *FS) clusterLBA(c uint32) uint64 {
	return v.dataStart + uint64(c-2)*uint64(v.spc)
}

func (v *FS) eoc() uint32 {
	if v.typ == FAT16 {
		return 0xFFFF
	}
	return 0x0FFFFFFF
}

func (v *FS) isEnd(val uint32) bool {
	if v.typ == FAT16 {
		return val >= 0xFFF8
	}
	return val >= 0x0FFFFFF8
}

func (v *FS) fatPos(c uint32) (uint64, int) {
	off := uint64(c) * 2
	if v.typ == FAT32 {
		off = uint64(c) * 4
	}
	return v.fatStart + off/SectorSize, int(off % SectorSize)
}

func (v *FS) next(c uint32) (uint32, error) {
	lba, o := v.fatPos(c)
	b, err := v.load(lba)
	if err != nil {
		return 0, err
	}
	if v.typ == FAT16 {
		return uint32(le16(b[o:])), nil
	}
	return le32(b[o:]) & 0x0FFFFFFF, nil
}

func (v *FS) setNext(c, val uint32) error {
	lba, o := v.fatPos(c)
	b, err := v.load(lba)
	if err != nil {
		return err
	}
	if v.typ == FAT16 {
		binary.LittleEndian.PutUint16(b[o:], uint16(val))
	} else {
		old := le32(b[o:])
		binary.LittleEndian.PutUint32(b[o:], old&0xF0000000|val&0x0FFFFFFF)
	}
	v.touch()
	return nil
}

// follow returns the cluster after c; ok is false at the end of the chain.
func (v *FS) follow(c uint32) (next uint32, ok bool, err error) {
	n, err := v.next(c)
	if err != nil {
		return 0, false, err
	}
	if v.isEnd(n) {
		return 0, false, nil
	}
	if !v.valid(n) {
		return 0, false, ErrCorrupt
	}
	return n, true, nil
}

// alloc takes a free cluster, marks it end of chain and links it after
// prev when prev is non-zero.
func (v *FS) alloc(prev uint32) (uint32, error) {
	if !v.valid(v.hint) {
		v.hint = 2
	}
	c := v.hint
	for i := uint32(0); i < v.clusters; i++ {
		val, err := v.next(c)
		if err != nil {
			return 0, err
		}
		if val == 0 {
			if err := v.setNext(c, v.eoc()); err != nil {
				return 0, err
			}
			if prev != 0 {
				if err := v.setNext(prev, c); err != nil {
					return 0, err
				}
			}
			v.hint = c + 1
			return c, v.staleInfo()
		}
		if c++; c >= v.clusters+2 {
			c = 2
		}
	}
	return 0, ErrNoSpace
}

// freeChain releases c and every cluster after it.
func (v *FS) freeChain(c uint32) error {
	for n := uint32(0); v.valid(c) && n < v.clusters; n++ {
		next, err := v.next(c)
		if err != nil {
			return err
		}
		if err := v.setNext(c, 0); err != nil {
			return err
		}
		if c < v.hint {
			v.hint = c
		}
		if next == 0 || v.isEnd(next) {
			break
		}
		c = next
	}
	return v.staleInfo()
}

// zeroCluster clears a freshly allocated directory cluster.
func (v *FS) zeroCluster(c uint32) error {
	base := v.clusterLBA(c)
	for s := uint32(0); s < v.spc; s++ {
		if err := v.blank(base + uint64(s)); err != nil {
			return err
		}
	}
	return nil
}

// staleInfo marks the FSInfo free count unknown once per mount, so other
// systems recount instead of trusting it.
func (v *FS) staleInfo() error {
	if v.infoStale || v.fsInfo == 0 {
		return nil
	}
	b, err := v.load(v.fsInfo)
	if err != nil {
		return err
	}
	if le32(b[0:]) == 0x41615252 && le32(b[484:]) == 0x61417272 {
		binary.LittleEndian.PutUint32(b[488:], 0xFFFFFFFF)
		binary.LittleEndian.PutUint32(b[492:], 0xFFFFFFFF)
		v.touch()
	}
	v.infoStale = true
	return nil
}

func (v *FS) root() uint32 {
	if v.typ == FAT32 {
		return v.rootClus
	}
	return 0
}

func (v *FS) stamp() time.Time { return v.now() }

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func trimSpace(b []byte) string {
	n := len(b)
	for n > 0 && (b[n-1] == ' ' || b[n-1] == 0) {
		n--
	}
	return string(b[:n])
}

func pathErr(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}
