// Package recordings stores uploaded raw PCM recordings on the host and
// converts them to WAV.
package recordings

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	Prefix    = "recording_"
	PCMExt    = ".pcm"
	WAVExt    = ".wav"
	stampTime = "20060102_150405"
)

var ErrEmpty = errors.New("recordings: no data")

// Store writes recordings as <Dir>/recording_YYYYMMDD_HHMMSS.pcm.
type Store struct {
	fs  afero.Fs
	dir string
	now func() time.Time

	mu sync.Mutex
}

type StoreOption func(*Store)

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) StoreOption { return func(s *Store) { s.now = now } }

// NewStore creates dir if needed.
func NewStore(fs afero.Fs, dir string, opts ...StoreOption) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	s := &Store{fs: fs, dir: path.Clean(dir), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", s.dir, err)
	}
	return s, nil
}

func (s *Store) Dir() string  { return s.dir }
func (s *Store) Fs() afero.Fs { return s.fs }

// Save writes data under a fresh timestamped name and returns its path.
// Uploads within the same second get a _N suffix instead of overwriting.
func (s *Store) Save(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base := path.Join(s.dir, Prefix+s.now().Format(stampTime))
	name := base + PCMExt
	for i := 1; ; i++ {
		f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, err := f.Write(data); err != nil {
				_ = f.Close()
				_ = s.fs.Remove(name)
				return "", fmt.Errorf("write %s: %w", name, err)
			}
			return name, f.Close()
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create %s: %w", name, err)
		}
		name = fmt.Sprintf("%s_%d%s", base, i, PCMExt)
	}
}
