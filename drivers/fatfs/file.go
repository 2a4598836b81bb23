package fatfs

import (
	"io"
	"io/fs"
	"os"
	"path"
	"time"
)

// File is an open file or directory on a mounted FS.
type File struct {
	v     *FS
	name  string
	dir   uint32 // parent directory cluster, 0 for the FAT16 root
	slot  int    // short entry slot in dir, -1 for the root itself
	isDir bool
	flag  int

	clus  uint32
	size  int64
	mtime time.Time
	pos   int64
	meta  bool // entry needs rewriting

	closed bool
	gone   bool

	sec        sector
	curN, curC uint32 // cluster index curN of the chain is curC

	list   []os.FileInfo
	listed bool
}

type fileInfo struct {
	name  string
	size  int64
	dir   bool
	ro    bool
	mtime time.Time
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return i.size }
func (i *fileInfo) ModTime() time.Time { return i.mtime }
func (i *fileInfo) IsDir() bool        { return i.dir }
func (i *fileInfo) Sys() any           { return nil }

func (i *fileInfo) Mode() fs.FileMode {
	switch {
	case i.dir:
		return fs.ModeDir | 0o755
	case i.ro:
		return 0o444
	default:
		return 0o644
	}
}

func (f *File) check(op string) error {
	switch {
	case f.closed:
		return pathErr(op, f.name, fs.ErrClosed)
	case f.gone:
		return pathErr(op, f.name, fs.ErrNotExist)
	}
	return nil
}

func (f *File) writable() bool { return f.flag&(os.O_WRONLY|os.O_RDWR) != 0 }

// ---- data sectors ----

// load makes lba the file's buffered sector; fill false skips the read
// when the caller overwrites or zero-extends the whole sector.
func (f *File) load(lba uint64, fill bool) error {
	s := &f.sec
	if s.valid && s.lba == lba {
		return nil
	}
	if err := f.flushSec(); err != nil {
		return err
	}
	f.v.forget(lba)
	if fill {
		if err := f.v.dev.ReadBlock(lba, s.buf[:]); err != nil {
			s.valid = false
			return err
		}
	} else {
		s.buf = [SectorSize]byte{}
	}
	s.lba, s.valid, s.dirty = lba, true, false
	return nil
}

func (f *File) flushSec() error {
	s := &f.sec
	if !s.valid || !s.dirty {
		return nil
	}
	if err := f.v.dev.WriteBlock(s.lba, s.buf[:]); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// clusterAt walks to the idx-th cluster of the chain, extending it when
// grow is set. Without grow a short chain reports io.EOF.
func (f *File) clusterAt(idx uint32, grow bool) (uint32, error) {
	v := f.v
	if f.clus == 0 {
		if !grow {
			return 0, io.EOF
		}
		c, err := v.alloc(0)
		if err != nil {
			return 0, err
		}
		f.clus, f.meta = c, true
		f.curN, f.curC = 0, c
	}
	if f.curC == 0 || idx < f.curN {
		f.curN, f.curC = 0, f.clus
	}
	for f.curN < idx {
		next, ok, err := v.follow(f.curC)
		if err != nil {
			return 0, err
		}
		if !ok {
			if !grow {
				return 0, io.EOF
			}
			if next, err = v.alloc(f.curC); err != nil {
				return 0, err
			}
		}
		f.curN, f.curC = f.curN+1, next
	}
	return f.curC, nil
}

func (f *File) sectorOf(off int64, grow bool) (uint64, error) {
	cb := int64(f.v.ClusterBytes())
	c, err := f.clusterAt(uint32(off/cb), grow)
	if err != nil {
		return 0, err
	}
	return f.v.clusterLBA(c) + uint64(off%cb/SectorSize), nil
}

func (f *File) readAt(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off < f.size {
		lba, err := f.sectorOf(off, false)
		if err == io.EOF {
			err = ErrCorrupt // chain shorter than the recorded size
		}
		if err != nil {
			return n, err
		}
		if err := f.load(lba, true); err != nil {
			return n, err
		}
		o := int(off % SectorSize)
		k := copy(p[n:], f.sec.buf[o:])
		if rem := f.size - off; int64(k) > rem {
			k = int(rem)
		}
		n += k
		off += int64(k)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) writeAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > maxFileSize {
		return 0, ErrTooLarge
	}
	if off > f.size {
		if err := f.grow(off); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(p) {
		lba, err := f.sectorOf(off, true)
		if err != nil {
			return n, err
		}
		o := int(off % SectorSize)
		k := min(len(p)-n, SectorSize-o)
		whole := o == 0 && k == SectorSize
		if err := f.load(lba, !whole && off-int64(o) < f.size); err != nil {
			return n, err
		}
		copy(f.sec.buf[o:], p[n:n+k])
		f.sec.dirty = true
		n += k
		off += int64(k)
		if off > f.size {
			f.size = off
		}
	}
	f.mtime, f.meta = f.v.stamp(), true
	return n, nil
}

// grow zero-fills the file up to size to.
func (f *File) grow(to int64) error {
	var zero [SectorSize]byte
	for f.size < to {
		k := min(to-f.size, SectorSize-f.size%SectorSize)
		if _, err := f.writeAt(zero[:k], f.size); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) truncate(n int64) error {
	switch {
	case n < 0:
		return fs.ErrInvalid
	case n > maxFileSize:
		return ErrTooLarge
	case n > f.size:
		return f.grow(n)
	case n == f.size:
		return nil
	}
	if err := f.flushSec(); err != nil {
		return err
	}
	f.sec.valid = false
	v := f.v
	cb := int64(v.ClusterBytes())
	if keep := uint32((n + cb - 1) / cb); keep == 0 {
		if f.clus != 0 {
			if err := v.freeChain(f.clus); err != nil {
				return err
			}
		}
		f.clus = 0
	} else {
		last, err := f.clusterAt(keep-1, false)
		if err != nil {
			return err
		}
		next, ok, err := v.follow(last)
		if err != nil {
			return err
		}
		if err := v.setNext(last, v.eoc()); err != nil {
			return err
		}
		if ok {
			if err := v.freeChain(next); err != nil {
				return err
			}
		}
	}
	f.curN, f.curC = 0, 0
	f.size = n
	f.mtime, f.meta = v.stamp(), true
	return nil
}

func (f *File) sync() error {
	if err := f.flushSec(); err != nil {
		return err
	}
	if f.meta && !f.gone && f.slot >= 0 {
		if err := f.v.updateEntry(f.dir, f.slot, f.clus, uint32(f.size), f.mtime); err != nil {
			return err
		}
		f.meta = false
	}
	return f.v.flush()
}

// ---- afero.File ----

func (f *File) Name() string { return f.name }

func (f *File) Read(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.check("read"); err != nil {
		return 0, err
	}
	if f.isDir {
		return 0, pathErr("read", f.name, ErrIsDir)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := f.readAt(p, f.pos)
	f.pos += int64(n)
	switch {
	case err == io.EOF && n > 0:
		err = nil
	case err != nil && err != io.EOF:
		err = pathErr("read", f.name, err)
	}
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.check("readat"); err != nil {
		return 0, err
	}
	if f.isDir {
		return 0, pathErr("readat", f.name, ErrIsDir)
	}
	if off < 0 {
		return 0, pathErr("readat", f.name, fs.ErrInvalid)
	}
	n, err := f.readAt(p, off)
	if err != nil && err != io.EOF {
		err = pathErr("readat", f.name, err)
	}
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.writeCheck("write"); err != nil {
		return 0, err
	}
	if f.flag&os.O_APPEND != 0 {
		f.pos = f.size
	}
	n, err := f.writeAt(p, f.pos)
	f.pos += int64(n)
	if err != nil {
		return n, pathErr("write", f.name, err)
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.writeCheck("writeat"); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, pathErr("writeat", f.name, fs.ErrInvalid)
	}
	n, err := f.writeAt(p, off)
	if err != nil {
		return n, pathErr("writeat", f.name, err)
	}
	return n, nil
}

func (f *File) WriteString(s string) (int, error) { return f.Write([]byte(s)) }

func (f *File) writeCheck(op string) error {
	if err := f.check(op); err != nil {
		return err
	}
	if f.isDir {
		return pathErr(op, f.name, ErrIsDir)
	}
	if !f.writable() {
		return pathErr(op, f.name, ErrReadOnly)
	}
	return nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.check("seek"); err != nil {
		return 0, err
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.pos + offset
	case io.SeekEnd:
		abs = f.size + offset
	default:
		return 0, pathErr("seek", f.name, fs.ErrInvalid)
	}
	if abs < 0 {
		return 0, pathErr("seek", f.name, fs.ErrInvalid)
	}
	f.pos = abs
	if f.isDir && abs == 0 {
		f.list, f.listed = nil, false
	}
	return abs, nil
}

func (f *File) Truncate(size int64) error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.writeCheck("truncate"); err != nil {
		return err
	}
	if err := f.truncate(size); err != nil {
		return pathErr("truncate", f.name, err)
	}
	return nil
}

func (f *File) Sync() error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.check("sync"); err != nil {
		return err
	}
	if err := f.sync(); err != nil {
		return pathErr("sync", f.name, err)
	}
	return nil
}

func (f *File) Close() error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return pathErr("close", f.name, fs.ErrClosed)
	}
	var err error
	if !f.gone {
		err = f.sync()
	}
	f.closed = true
	delete(f.v.open, f)
	if err != nil {
		return pathErr("close", f.name, err)
	}
	return nil
}

func (f *File) Stat() (os.FileInfo, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.check("stat"); err != nil {
		return nil, err
	}
	name := path.Base(path.Clean("/" + f.name))
	return &fileInfo{name: name, size: f.size, dir: f.isDir, mtime: f.mtime}, nil
}

// Readdir lists the directory, without "." and "..", in on-disk order.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.check("readdir"); err != nil {
		return nil, err
	}
	if !f.isDir {
		return nil, pathErr("readdir", f.name, ErrNotDir)
	}
	if !f.listed {
		ents, err := f.v.scan(f.clus)
		if err != nil {
			return nil, pathErr("readdir", f.name, err)
		}
		f.list = f.list[:0]
		for i := range ents {
			if n := ents[i].name; n == "." || n == ".." {
				continue
			}
			f.list = append(f.list, ents[i].info())
		}
		f.listed = true
	}
	if count <= 0 {
		out := f.list
		f.list = nil
		return out, nil
	}
	if len(f.list) == 0 {
		return nil, io.EOF
	}
	k := min(count, len(f.list))
	out := f.list[:k:k]
	f.list = f.list[k:]
	return out, nil
}

func (f *File) Readdirnames(n int) ([]string, error) {
	infos, err := f.Readdir(n)
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, err
}
