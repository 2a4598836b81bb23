package fatfs

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	_ afero.Fs   = (*FS)(nil)
	_ afero.File = (*File)(nil)
)

func (v *FS) Name() string { return "fatfs" }

// find resolves a non-root path to its parent directory and entry.
func (v *FS) find(parts []string) (uint32, entry, error) {
	d, err := v.parent(parts)
	if err != nil {
		return 0, entry{}, err
	}
	e, ok, err := v.lookup(d, parts[len(parts)-1])
	if err != nil {
		return 0, entry{}, err
	}
	if !ok {
		return 0, entry{}, fs.ErrNotExist
	}
	return d, e, nil
}

func (v *FS) Create(name string) (afero.File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (v *FS) Open(name string) (afero.File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

func (v *FS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, err := v.openFile(name, flag, perm)
	if err != nil {
		return nil, pathErr("open", name, err)
	}
	return f, nil
}

func (v *FS) openFile(name string, flag int, perm os.FileMode) (*File, error) {
	write := flag&(os.O_WRONLY|os.O_RDWR) != 0
	parts := split(name)
	if len(parts) == 0 {
		if write {
			return nil, ErrIsDir
		}
		f := &File{v: v, name: name, slot: -1, isDir: true, flag: flag, clus: v.root()}
		v.open[f] = struct{}{}
		return f, nil
	}
	d, err := v.parent(parts)
	if err != nil {
		return nil, err
	}
	e, ok, err := v.lookup(d, parts[len(parts)-1])
	if err != nil {
		return nil, err
	}
	switch {
	case !ok && flag&os.O_CREATE == 0:
		return nil, fs.ErrNotExist
	case !ok:
		attr := byte(attrArchive)
		if perm&0o200 == 0 && perm != 0 {
			attr |= attrReadOnly
		}
		if e, err = v.addEntry(d, parts[len(parts)-1], attr, 0, 0, v.stamp()); err != nil {
			return nil, err
		}
		if err := v.flush(); err != nil {
			return nil, err
		}
	case flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, fs.ErrExist
	case e.isDir() && write:
		return nil, ErrIsDir
	case e.attr&attrReadOnly != 0 && write:
		return nil, fs.ErrPermission
	}
	f := &File{
		v: v, name: name, dir: d, slot: e.slot, isDir: e.isDir(), flag: flag,
		clus: e.clus, size: int64(e.size), mtime: e.mtime,
	}
	if !f.isDir && write && flag&os.O_TRUNC != 0 && f.size > 0 {
		if err := f.truncate(0); err != nil {
			return nil, err
		}
		if err := f.sync(); err != nil {
			return nil, err
		}
	}
	v.open[f] = struct{}{}
	return f, nil
}

func (v *FS) Stat(name string) (os.FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := split(name)
	if len(parts) == 0 {
		return &fileInfo{name: "/", dir: true}, nil
	}
	_, e, err := v.find(parts)
	if err != nil {
		return nil, pathErr("stat", name, err)
	}
	return e.info(), nil
}

func (v *FS) Mkdir(name string, _ os.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.mkdir(split(name)); err != nil {
		return pathErr("mkdir", name, err)
	}
	return nil
}

func (v *FS) MkdirAll(name string, _ os.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := split(name)
	for i := 1; i <= len(parts); i++ {
		_, e, err := v.find(parts[:i])
		switch {
		case err == nil && !e.isDir():
			return pathErr("mkdir", name, ErrNotDir)
		case err == nil:
			continue
		case err != fs.ErrNotExist:
			return pathErr("mkdir", name, err)
		}
		if err := v.mkdir(parts[:i]); err != nil {
			return pathErr("mkdir", name, err)
		}
	}
	return nil
}

func (v *FS) mkdir(parts []string) error {
	if len(parts) == 0 {
		return fs.ErrExist
	}
	d, err := v.parent(parts)
	if err != nil {
		return err
	}
	base := parts[len(parts)-1]
	if err := checkName(base); err != nil {
		return err
	}
	if _, ok, err := v.lookup(d, base); err != nil {
		return err
	} else if ok {
		return fs.ErrExist
	}
	c, err := v.alloc(0)
	if err != nil {
		return err
	}
	t := v.stamp()
	if err := v.zeroCluster(c); err != nil {
		return err
	}
	if err := v.initDir(c, d, t); err != nil {
		return err
	}
	if _, err := v.addEntry(d, base, attrDir, c, 0, t); err != nil {
		_ = v.freeChain(c)
		return err
	}
	return v.flush()
}

func (v *FS) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := split(name)
	if len(parts) == 0 {
		return pathErr("remove", name, fs.ErrPermission)
	}
	d, e, err := v.find(parts)
	if err == nil && e.isDir() {
		err = v.checkEmpty(e.clus)
	}
	if err == nil {
		err = v.removeEntry(d, e)
	}
	if err == nil {
		err = v.flush()
	}
	if err != nil {
		return pathErr("remove", name, err)
	}
	return nil
}

func (v *FS) RemoveAll(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := split(name)
	var err error
	if len(parts) == 0 {
		err = v.clearDir(v.root())
	} else {
		var d uint32
		var e entry
		if d, e, err = v.find(parts); err == fs.ErrNotExist {
			return nil
		}
		if err == nil {
			err = v.removeTree(d, e)
		}
	}
	if err == nil {
		err = v.flush()
	}
	if err != nil {
		return pathErr("removeall", name, err)
	}
	return nil
}

func (v *FS) checkEmpty(d uint32) error {
	ents, err := v.scan(d)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.name != "." && e.name != ".." {
			return ErrNotEmpty
		}
	}
	return nil
}

func (v *FS) clearDir(d uint32) error {
	ents, err := v.scan(d)
	if err != nil {
		return err
	}
	for _, e := range ents {
		if e.name == "." || e.name == ".." {
			continue
		}
		if err := v.removeTree(d, e); err != nil {
			return err
		}
	}
	return nil
}

func (v *FS) removeTree(d uint32, e entry) error {
	if e.isDir() {
		if err := v.clearDir(e.clus); err != nil {
			return err
		}
	}
	return v.removeEntry(d, e)
}

// removeEntry frees the data of e, deletes its slots and detaches any
// open handle on it.
func (v *FS) removeEntry(d uint32, e entry) error {
	if e.clus != 0 {
		if err := v.freeChain(e.clus); err != nil {
			return err
		}
	}
	if err := v.dropEntry(d, e); err != nil {
		return err
	}
	for f := range v.open {
		if f.dir == d && f.slot == e.slot && !f.gone {
			if f.clus != 0 && f.clus != e.clus {
				if err := v.freeChain(f.clus); err != nil {
					return err
				}
			}
			f.gone = true
			f.sec.valid = false
			f.clus = 0
		}
	}
	return nil
}

func (v *FS) Rename(oldname, newname string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.rename(split(oldname), split(newname), newname); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	return nil
}

func (v *FS) rename(op, np []string, newname string) error {
	if len(op) == 0 || len(np) == 0 {
		return fs.ErrInvalid
	}
	od, oe, err := v.find(op)
	if err != nil {
		return err
	}
	if oe.isDir() && len(np) > len(op) && strings.EqualFold(strings.Join(np[:len(op)], "/"), strings.Join(op, "/")) {
		return fs.ErrInvalid // into its own subtree
	}
	nd, err := v.parent(np)
	if err != nil {
		return err
	}
	base := np[len(np)-1]
	ne, ok, err := v.lookup(nd, base)
	if err != nil {
		return err
	}
	if ok && !(nd == od && ne.slot == oe.slot) {
		switch {
		case ne.isDir():
			return fs.ErrExist
		case oe.isDir():
			return ErrNotDir
		}
		if err := v.removeEntry(nd, ne); err != nil {
			return err
		}
	}
	added, err := v.addEntry(nd, base, oe.attr, oe.clus, oe.size, oe.mtime)
	if err != nil {
		return err
	}
	if err := v.dropEntry(od, oe); err != nil {
		return err
	}
	if oe.isDir() && nd != od {
		parent := nd
		if parent == v.root() {
			parent = 0
		}
		if err := v.updateEntry(oe.clus, 1, parent, 0, time.Time{}); err != nil {
			return err
		}
	}
	for f := range v.open {
		if f.dir == od && f.slot == oe.slot && !f.gone {
			f.dir, f.slot, f.name = nd, added.slot, newname
		}
	}
	return v.flush()
}

func (v *FS) Chmod(name string, mode os.FileMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := split(name)
	if len(parts) == 0 {
		return nil
	}
	d, e, err := v.find(parts)
	if err == nil {
		attr := e.attr &^ attrReadOnly
		if mode&0o200 == 0 {
			attr |= attrReadOnly
		}
		err = v.setAttr(d, e.slot, attr)
	}
	if err == nil {
		err = v.flush()
	}
	if err != nil {
		return pathErr("chmod", name, err)
	}
	return nil
}

// Chown is a no-op: FAT has no owners.
func (v *FS) Chown(string, int, int) error { return nil }

func (v *FS) Chtimes(name string, _ time.Time, mtime time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := split(name)
	if len(parts) == 0 {
		return nil
	}
	d, e, err := v.find(parts)
	if err == nil {
		err = v.updateEntry(d, e.slot, e.clus, e.size, mtime)
	}
	if err == nil {
		err = v.flush()
	}
	if err != nil {
		return pathErr("chtimes", name, err)
	}
	return nil
}
