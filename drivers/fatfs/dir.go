package fatfs

import (
	"encoding/binary"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// entry is one directory record: the short entry plus its long name.
type entry struct {
	name  string
	short [11]byte
	attr  byte
	clus  uint32
	size  uint32
	mtime time.Time
	first int // first slot, the long name start if there is one
	slot  int // short entry slot
}

func (e *entry) isDir() bool { return e.attr&attrDir != 0 }

func (e *entry) info() *fileInfo {
	return &fileInfo{name: e.name, size: int64(e.size), dir: e.isDir(), ro: e.attr&attrReadOnly != 0, mtime: e.mtime}
}

// lfnChars are the byte offsets of the 13 UTF-16 units in a long entry.
var lfnChars = [13]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// dirSectors lists the sectors of directory d; 0 is the FAT16 root region.
func (v *FS) dirSectors(d uint32) ([]uint64, error) {
	if d == 0 {
		out := make([]uint64, v.rootSecs)
		for i := range out {
			out[i] = v.rootStart + uint64(i)
		}
		return out, nil
	}
	if !v.valid(d) {
		return nil, ErrCorrupt
	}
	var out []uint64
	for c, n := d, uint32(0); ; n++ {
		if n > v.clusters {
			return nil, ErrCorrupt
		}
		base := v.clusterLBA(c)
		for s := uint32(0); s < v.spc; s++ {
			out = append(out, base+uint64(s))
		}
		next, ok, err := v.follow(c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		c = next
	}
}

// slotAt returns the 32 bytes of slot i inside the buffered sector.
func (v *FS) slotAt(secs []uint64, i int) ([]byte, error) {
	b, err := v.load(secs[i/slotsPerSector])
	if err != nil {
		return nil, err
	}
	o := (i % slotsPerSector) * slotSize
	return b[o : o+slotSize], nil
}

// scan reads every live entry of d, "." and ".." included.
func (v *FS) scan(d uint32) ([]entry, error) {
	secs, err := v.dirSectors(d)
	if err != nil {
		return nil, err
	}
	var (
		ents  []entry
		lfn   []uint16
		seqs  int
		chk   byte
		first = -1
	)
	total := len(secs) * slotsPerSector
	for i := 0; i < total; i++ {
		e, err := v.slotAt(secs, i)
		if err != nil {
			return nil, err
		}
		switch {
		case e[0] == 0x00:
			return ents, nil
		case e[0] == 0xE5:
			first = -1
			continue
		case e[11]&0x3F == attrLFN:
			seq := int(e[0] & 0x1F)
			if e[0]&0x40 != 0 {
				first, chk, seqs = i, e[13], seq
				lfn = make([]uint16, seq*13)
			}
			if first < 0 || seq == 0 || e[13] != chk || seq != seqs-(i-first) {
				first = -1
				continue
			}
			for j, o := range lfnChars {
				lfn[(seq-1)*13+j] = binary.LittleEndian.Uint16(e[o:])
			}
			continue
		case e[11]&attrVolume != 0:
			first = -1
			continue
		}

		ent := entry{attr: e[11], size: le32(e[28:]), first: i, slot: i}
		copy(ent.short[:], e[:11])
		ent.clus = uint32(le16(e[26:]))
		if v.typ == FAT32 {
			ent.clus |= uint32(le16(e[20:])) << 16
		}
		ent.mtime = decodeTime(le16(e[24:]), le16(e[22:]))
		if first >= 0 && i-first == seqs && checksum(ent.short) == chk {
			ent.name = decodeLFN(lfn)
			ent.first = first
		}
		if ent.name == "" {
			ent.name = shortName(ent.short, e[12])
		}
		first = -1
		ents = append(ents, ent)
	}
	return ents, nil
}

func (v *FS) lookup(d uint32, name string) (entry, bool, error) {
	ents, err := v.scan(d)
	if err != nil {
		return entry{}, false, err
	}
	for _, e := range ents {
		if strings.EqualFold(e.name, name) || strings.EqualFold(shortName(e.short, 0), name) {
			return e, true, nil
		}
	}
	return entry{}, false, nil
}

// split cleans a slash path into components; the root yields none.
func split(name string) []string {
	p := path.Clean("/" + name)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// parent walks every component but the last and returns that directory.
func (v *FS) parent(parts []string) (uint32, error) {
	d := v.root()
	for _, p := range parts[:len(parts)-1] {
		e, ok, err := v.lookup(d, p)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fs.ErrNotExist
		}
		if !e.isDir() {
			return 0, ErrNotDir
		}
		d = e.clus
	}
	return d, nil
}

// place finds n consecutive free slots in d, growing a cluster-chain
// directory when needed. It returns the first slot and the sector list.
func (v *FS) place(d uint32, n int) (int, []uint64, error) {
	secs, err := v.dirSectors(d)
	if err != nil {
		return 0, nil, err
	}
	total := len(secs) * slotsPerSector
	start, run := 0, 0
	for i := 0; i < total; i++ {
		e, err := v.slotAt(secs, i)
		if err != nil {
			return 0, nil, err
		}
		if e[0] == 0x00 {
			if run == 0 {
				start = i
			}
			run = total - start // everything past the end marker is free
			break
		}
		if e[0] != 0xE5 {
			run = 0
			continue
		}
		if run == 0 {
			start = i
		}
		if run++; run == n {
			return start, secs, nil
		}
	}
	if run >= n {
		return start, secs, nil
	}
	if run == 0 {
		start = total
	}
	if d == 0 {
		return 0, nil, ErrDirFull
	}
	last := v.clusterOf(secs[len(secs)-1])
	for total-start < n {
		c, err := v.alloc(last)
		if err != nil {
			return 0, nil, err
		}
		if err := v.zeroCluster(c); err != nil {
			return 0, nil, err
		}
		base := v.clusterLBA(c)
		for s := uint32(0); s < v.spc; s++ {
			secs = append(secs, base+uint64(s))
		}
		total += int(v.spc) * slotsPerSector
		last = c
	}
	return start, secs, nil
}

func (v *FS) clusterOf(lba uint64) uint32 {
	return uint32((lba-v.dataStart)/uint64(v.spc)) + 2
}

// addEntry writes a new record for name into d.
func (v *FS) addEntry(d uint32, name string, attr byte, clus, size uint32, mtime time.Time) (entry, error) {
	if err := checkName(name); err != nil {
		return entry{}, err
	}
	short, plain := shortForm(name)
	var units []uint16
	if !plain {
		ents, err := v.scan(d)
		if err != nil {
			return entry{}, err
		}
		units = utf16.Encode([]rune(name))
		if len(units) > 255 {
			return entry{}, ErrName
		}
		if short, err = uniqueShort(ents, name); err != nil {
			return entry{}, err
		}
	}
	nl := (len(units) + 12) / 13
	start, secs, err := v.place(d, nl+1)
	if err != nil {
		return entry{}, err
	}
	chk := checksum(short)
	for k := 0; k < nl; k++ {
		e, err := v.slotAt(secs, start+k)
		if err != nil {
			return entry{}, err
		}
		putLFN(e, nl-k, k == 0, chk, units)
		v.touch()
	}
	e, err := v.slotAt(secs, start+nl)
	if err != nil {
		return entry{}, err
	}
	putShort(e, short, attr, clus, size, mtime)
	v.touch()
	return entry{name: name, short: short, attr: attr, clus: clus, size: size, mtime: mtime, first: start, slot: start + nl}, nil
}

// updateEntry rewrites the cluster, size and time of the short entry at slot.
func (v *FS) updateEntry(d uint32, slot int, clus, size uint32, mtime time.Time) error {
	secs, err := v.dirSectors(d)
	if err != nil {
		return err
	}
	if slot >= len(secs)*slotsPerSector {
		return ErrCorrupt
	}
	e, err := v.slotAt(secs, slot)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(e[20:], uint16(clus>>16))
	binary.LittleEndian.PutUint16(e[26:], uint16(clus))
	binary.LittleEndian.PutUint32(e[28:], size)
	if !mtime.IsZero() {
		date, tm := encodeTime(mtime)
		binary.LittleEndian.PutUint16(e[22:], tm)
		binary.LittleEndian.PutUint16(e[24:], date)
		binary.LittleEndian.PutUint16(e[18:], date)
	}
	v.touch()
	return nil
}

// setAttr rewrites the attribute byte of the short entry at slot.
func (v *FS) setAttr(d uint32, slot int, attr byte) error {
	secs, err := v.dirSectors(d)
	if err != nil {
		return err
	}
	e, err := v.slotAt(secs, slot)
	if err != nil {
		return err
	}
	e[11] = attr
	v.touch()
	return nil
}

// dropEntry marks the slots of e deleted.
func (v *FS) dropEntry(d uint32, e entry) error {
	secs, err := v.dirSectors(d)
	if err != nil {
		return err
	}
	for i := e.first; i <= e.slot; i++ {
		s, err := v.slotAt(secs, i)
		if err != nil {
			return err
		}
		s[0] = 0xE5
		v.touch()
	}
	return nil
}

// initDir writes "." and ".." into the zeroed first cluster c.
func (v *FS) initDir(c, parent uint32, t time.Time) error {
	if parent == v.root() {
		parent = 0
	}
	secs := []uint64{v.clusterLBA(c)}
	dot, err := v.slotAt(secs, 0)
	if err != nil {
		return err
	}
	putShort(dot, pack(".", ""), attrDir, c, 0, t)
	dotdot, err := v.slotAt(secs, 1)
	if err != nil {
		return err
	}
	putShort(dotdot, pack("..", ""), attrDir, parent, 0, t)
	v.touch()
	return nil
}

// ---- names ----

const shortSpecial = "$%'-_@~`!(){}^#&"

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrName
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`"*/:<>?\|`, r) {
			return ErrName
		}
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return ErrName
	}
	return nil
}

func shortChar(r rune) bool {
	return r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune(shortSpecial, r)
}

// shortForm packs name as 8.3 when it already is one: upper case, one dot
// at most, legal characters only.
func shortForm(name string) ([11]byte, bool) {
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return [11]byte{}, false
	}
	for _, r := range base + ext {
		if !shortChar(r) {
			return [11]byte{}, false
		}
	}
	return pack(base, ext), true
}

// shortBasis derives the upper-case basis of a generated short name.
func shortBasis(name string) (string, string) {
	up := strings.ToUpper(name)
	base, ext := up, ""
	if i := strings.LastIndexByte(up, '.'); i > 0 {
		base, ext = up[:i], up[i+1:]
	}
	clean := func(s string, max int) string {
		var b strings.Builder
		for _, r := range s {
			switch {
			case r == ' ' || r == '.':
			case shortChar(r):
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
			if b.Len() >= max {
				break
			}
		}
		return b.String()
	}
	base, ext = clean(base, 8), clean(ext, 3)
	if base == "" {
		base = "_"
	}
	return base, ext
}

// uniqueShort picks BASE~N.EXT not used by any entry of the directory.
func uniqueShort(ents []entry, name string) ([11]byte, error) {
	base, ext := shortBasis(name)
	taken := make(map[[11]byte]bool, len(ents))
	for _, e := range ents {
		taken[e.short] = true
	}
	for n := 1; n < 1_000_000; n++ {
		tail := "~" + strconv.Itoa(n)
		b := base
		if len(b) > 8-len(tail) {
			b = b[:8-len(tail)]
		}
		if s := pack(b+tail, ext); !taken[s] {
			return s, nil
		}
	}
	return [11]byte{}, ErrDirFull
}

func pack(base, ext string) [11]byte {
	var s [11]byte
	for i := range s {
		s[i] = ' '
	}
	copy(s[:8], base)
	copy(s[8:], ext)
	if s[0] == 0xE5 {
		s[0] = 0x05
	}
	return s
}

// shortName formats an 8.3 entry, honouring the lower-case flags.
func shortName(s [11]byte, ntres byte) string {
	if s[0] == 0x05 {
		s[0] = 0xE5
	}
	base, ext := trimSpace(s[:8]), trimSpace(s[8:])
	if ntres&0x08 != 0 {
		base = strings.ToLower(base)
	}
	if ntres&0x10 != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func checksum(s [11]byte) byte {
	var sum byte
	for _, c := range s {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

func decodeLFN(u []uint16) string {
	for i, c := range u {
		if c == 0 {
			u = u[:i]
			break
		}
	}
	return string(utf16.Decode(u))
}

// putLFN fills one long entry with units[(seq-1)*13:], terminated by a
// zero unit and padded with 0xFFFF.
func putLFN(e []byte, seq int, last bool, chk byte, units []uint16) {
	for i := range e {
		e[i] = 0
	}
	e[0] = byte(seq)
	if last {
		e[0] |= 0x40
	}
	e[11] = attrLFN
	e[13] = chk
	for j, o := range lfnChars {
		var c uint16
		switch idx := (seq-1)*13 + j; {
		case idx < len(units):
			c = units[idx]
		case idx == len(units):
			c = 0
		default:
			c = 0xFFFF
		}
		binary.LittleEndian.PutUint16(e[o:], c)
	}
}

func putShort(e []byte, short [11]byte, attr byte, clus, size uint32, t time.Time) {
	for i := range e {
		e[i] = 0
	}
	copy(e[:11], short[:])
	e[11] = attr
	date, tm := encodeTime(t)
	binary.LittleEndian.PutUint16(e[14:], tm)
	binary.LittleEndian.PutUint16(e[16:], date)
	binary.LittleEndian.PutUint16(e[18:], date)
	binary.LittleEndian.PutUint16(e[20:], uint16(clus>>16))
	binary.LittleEndian.PutUint16(e[22:], tm)
	binary.LittleEndian.PutUint16(e[24:], date)
	binary.LittleEndian.PutUint16(e[26:], uint16(clus))
	binary.LittleEndian.PutUint32(e[28:], size)
}

func encodeTime(t time.Time) (date, tm uint16) {
	if t.Year() < 1980 {
		return 0x21, 0 // 1980-01-01
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

func decodeTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(1980+int(date>>9), time.Month(date>>5&0x0F), int(date&0x1F),
		int(tm>>11), int(tm>>5&0x3F), int(tm&0x1F)*2, 0, time.Local)
}
