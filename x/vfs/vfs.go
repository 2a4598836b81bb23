// Package vfs maps mount paths such as "/sdcard" to afero filesystems so
// that callers address files by absolute path regardless of the backing
// volume.
package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

var (
	ErrAlreadyMounted = errors.New("vfs: path already mounted")
	ErrNotMounted     = errors.New("vfs: no volume mounted at path")
	ErrBadPath        = errors.New("vfs: mount path must be absolute and not root")
)

// Namespace is a set of mounted volumes keyed by clean absolute path.
type Namespace struct {
	mu   sync.RWMutex
	vols map[string]afero.Fs
}

func New() *Namespace { return &Namespace{vols: map[string]afero.Fs{}} }

// Default is the process-wide namespace used by devices and services.
var Default = New()

func cleanMount(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", ErrBadPath
	}
	p = path.Clean(p)
	if p == "/" {
		return "", ErrBadPath
	}
	return p, nil
}

// Mount attaches fsys at mountPath.
func (n *Namespace) Mount(mountPath string, fsys afero.Fs) error {
	p, err := cleanMount(mountPath)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.vols[p]; ok {
		return ErrAlreadyMounted
	}
	n.vols[p] = fsys
	return nil
}

// Unmount detaches the volume at mountPath.
func (n *Namespace) Unmount(mountPath string) error {
	p, err := cleanMount(mountPath)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.vols[p]; !ok {
		return ErrNotMounted
	}
	delete(n.vols, p)
	return nil
}

// Mounted reports whether a volume is attached exactly at mountPath.
func (n *Namespace) Mounted(mountPath string) bool {
	p, err := cleanMount(mountPath)
	if err != nil {
		return false
	}
	n.mu.RLock()
	_, ok := n.vols[p]
	n.mu.RUnlock()
	return ok
}

// Mounts lists mount paths in order.
func (n *Namespace) Mounts() []string {
	n.mu.RLock()
	out := make([]string, 0, len(n.vols))
	for p := range n.vols {
		out = append(out, p)
	}
	n.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Resolve returns the volume owning name and the path inside it.
// The longest matching mount wins.
func (n *Namespace) Resolve(name string) (afero.Fs, string, error) {
	if !strings.HasPrefix(name, "/") {
		return nil, "", ErrBadPath
	}
	name = path.Clean(name)
	n.mu.RLock()
	defer n.mu.RUnlock()
	best := ""
	for p := range n.vols {
		if (name == p || strings.HasPrefix(name, p+"/")) && len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return nil, "", ErrNotMounted
	}
	rel := strings.TrimPrefix(name[len(best):], "/")
	if rel == "" {
		rel = "."
	}
	return n.vols[best], rel, nil
}

// Fs returns the volume mounted at mountPath.
func (n *Namespace) Fs(mountPath string) (afero.Fs, error) {
	p, err := cleanMount(mountPath)
	if err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vols[p]
	if !ok {
		return nil, ErrNotMounted
	}
	return v, nil
}

// ---- File helpers ----

func (n *Namespace) Create(name string) (afero.File, error) {
	v, rel, err := n.Resolve(name)
	if err != nil {
		return nil, err
	}
	return v.Create(rel)
}

func (n *Namespace) Open(name string) (afero.File, error) {
	v, rel, err := n.Resolve(name)
	if err != nil {
		return nil, err
	}
	return v.Open(rel)
}

func (n *Namespace) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	v, rel, err := n.Resolve(name)
	if err != nil {
		return nil, err
	}
	return v.OpenFile(rel, flag, perm)
}

func (n *Namespace) Stat(name string) (os.FileInfo, error) {
	v, rel, err := n.Resolve(name)
	if err != nil {
		return nil, err
	}
	return v.Stat(rel)
}

func (n *Namespace) Remove(name string) error {
	v, rel, err := n.Resolve(name)
	if err != nil {
		return err
	}
	return v.Remove(rel)
}

func (n *Namespace) ReadFile(name string) ([]byte, error) {
	v, rel, err := n.Resolve(name)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(v, rel)
}

// Glob matches a doublestar pattern below a mount, e.g. "/sdcard/**/*.wav".
// Results are absolute paths.
func (n *Namespace) Glob(pattern string) ([]string, error) {
	base, rest := doublestar.SplitPattern(pattern)
	v, rel, err := n.Resolve(base)
	if err != nil {
		return nil, err
	}
	pat := rest
	if rel != "." {
		pat = rel + "/" + rest
	}
	matches, err := doublestar.Glob(afero.NewIOFS(v), pat)
	if err != nil {
		return nil, err
	}
	mnt := mountOf(base, rel)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, path.Join(mnt, m))
	}
	sort.Strings(out)
	return out, nil
}

// Usage walks a mounted volume and sums regular files.
func (n *Namespace) Usage(mountPath string) (files int, bytes int64, err error) {
	v, err := n.Fs(mountPath)
	if err != nil {
		return 0, 0, err
	}
	err = afero.Walk(v, ".", func(_ string, info fs.FileInfo, werr error) error {
		if werr != nil {
			return werr
		}
		if info.Mode().IsRegular() {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes, err
}

// mountOf strips rel from the end of the resolved base path.
func mountOf(base, rel string) string {
	base = path.Clean(base)
	if rel == "." {
		return base
	}
	return strings.TrimSuffix(base, "/"+rel)
}

// Package-level helpers on Default.

func Mount(p string, fsys afero.Fs) error                { return Default.Mount(p, fsys) }
func Unmount(p string) error                             { return Default.Unmount(p) }
func Resolve(name string) (afero.Fs, string, error)      { return Default.Resolve(name) }
func Create(name string) (afero.File, error)             { return Default.Create(name) }
func Open(name string) (afero.File, error)               { return Default.Open(name) }
func Glob(pattern string) ([]string, error)              { return Default.Glob(pattern) }
func Usage(p string) (files int, bytes int64, err error) { return Default.Usage(p) }
