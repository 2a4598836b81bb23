package recordings

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"audiocode-go/audio"
	"audiocode-go/internal/logging"
)

// DefaultSettle is how long a PCM file must stay unchanged before it is
// converted.
const DefaultSettle = 300 * time.Millisecond

type WatchOptions struct {
	Format audio.Format
	Settle time.Duration
	Logger *slog.Logger
	// OnConverted is called after each conversion.
	OnConverted func(pcmPath, wavPath string)
}

// Watch converts PCM files created or written in dir (an OS directory)
// until ctx is cancelled.
func Watch(ctx context.Context, dir string, o WatchOptions) error {
	log := logging.Default(o.Logger).With("component", "pcm_watch")
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.Format.SampleRate == 0 {
		o.Format = DefaultFormat
	}
	fs := afero.NewOsFs()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	type job struct{ t *time.Timer }
	var (
		mu      sync.Mutex
		pending = map[string]*job{}
		wg      sync.WaitGroup
	)
	convert := func(p string, j *job) {
		defer wg.Done()
		mu.Lock()
		if pending[p] == j {
			delete(pending, p)
		}
		mu.Unlock()
		wavPath, err := ConvertFile(fs, p, o.Format)
		if err != nil {
			log.Warn("convert failed", "path", p, "err", err)
			return
		}
		log.Info("converted", "pcm", p, "wav", wavPath)
		if o.OnConverted != nil {
			o.OnConverted(p, wavPath)
		}
	}
	defer func() {
		mu.Lock()
		for p, j := range pending {
			if j.t.Stop() {
				wg.Done()
			}
			delete(pending, p)
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			p := filepath.ToSlash(ev.Name)
			if !strings.EqualFold(filepath.Ext(p), PCMExt) {
				continue
			}
			mu.Lock()
			if j, ok := pending[p]; ok && j.t.Stop() {
				j.t.Reset(o.Settle)
			} else {
				j := &job{}
				wg.Add(1)
				j.t = time.AfterFunc(o.Settle, func() { convert(p, j) })
				pending[p] = j
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("fsnotify error", "error", err)
		}
	}
}
