// Package miccap is the audio/microphone capability shared by every sample
// source device: session_open hands the caller a ring handle, session_close
// stops sampling, stats reports counters.
package miccap

import (
	"context"
	"log/slog"
	"sync/atomic"

	"audiocode-go/audio"
	"audiocode-go/errcode"
	"audiocode-go/internal/logging"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/types"
	"audiocode-go/x/shmring"
)

// Source is a sample source that can run into a caller-visible ring.
type Source interface {
	audio.SampleSource
	StartRing(ctx context.Context, ringBytes int) (*shmring.Ring, error)
	Running() bool
	Stats() (samples, overruns uint64)
}

// OpenFunc acquires the source during Init.
type OpenFunc func(ctx context.Context) (Source, error)

type Config struct {
	ID       string
	Domain   string
	Name     string
	Driver   string
	Info     types.MicInfo
	RingSize int
	Open     OpenFunc
	Res      core.Resources
}

type Device struct {
	cfg Config
	a   core.CapAddr
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	src    Source

	sess  *session
	snCtr atomic.Uint32
}

type session struct {
	id     uint32
	handle shmring.Handle
}

func New(c Config) *Device {
	if c.Domain == "" {
		c.Domain = "audio"
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return &Device{
		cfg: c,
		a:   core.CapAddr{Domain: c.Domain, Kind: types.KindMicrophone, Name: c.Name},
		log: logging.Default(c.Res.Log).With("device", c.ID),
	}
}

func (d *Device) ID() string { return d.cfg.ID }

func (d *Device) Capabilities() []core.CapabilitySpec {
	return []core.CapabilitySpec{{
		Domain: d.a.Domain,
		Kind:   types.KindMicrophone,
		Name:   d.a.Name,
		Info:   types.Info{SchemaVersion: 1, Driver: d.cfg.Driver, Detail: d.cfg.Info},
	}}
}

func (d *Device) Init(ctx context.Context) error {
	src, err := d.cfg.Open(ctx)
	if err != nil {
		return err
	}
	d.src = src
	// Sessions outlive the Init call; Close cancels them.
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.res().Pub.Emit(core.Event{Addr: d.a, Payload: d.stats()})
	return nil
}

func (d *Device) res() core.Resources { return d.cfg.Res }

func (d *Device) stats() types.MicStats {
	n, over := d.src.Stats()
	return types.MicStats{Running: d.src.Running(), Samples: n, Overruns: over}
}

func (d *Device) Control(_ core.CapAddr, verb string, payload any) (core.EnqueueResult, error) {
	if d.src == nil {
		return core.EnqueueResult{OK: false, Error: errcode.NotStarted}, nil
	}
	switch verb {
	case "session_open":
		req, code := core.As[types.MicSessionOpen](payload)
		if code != "" {
			return core.EnqueueResult{OK: false, Error: code}, nil
		}
		if d.sess != nil {
			return core.EnqueueResult{OK: false, Error: errcode.Busy}, nil
		}
		size := req.RingSize
		if size == 0 {
			size = d.cfg.RingSize
		}
		ring, err := d.src.StartRing(d.ctx, size)
		if err != nil {
			return core.EnqueueResult{}, err
		}
		d.sess = &session{id: d.snCtr.Add(1), handle: shmring.Register(ring)}
		f := d.src.Format()
		rep := types.MicSessionOpened{
			SessionID:  d.sess.id,
			Handle:     uint32(d.sess.handle),
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			BitDepth:   f.BitDepth,
		}
		d.log.Debug("session opened", "session", rep.SessionID, "ring", ring.Cap())
		d.res().Pub.Emit(core.Event{Addr: d.a, Payload: rep, EventTag: "session_opened"})
		return core.EnqueueResult{OK: true, Reply: rep}, nil

	case "session_close":
		req, code := core.As[types.MicSessionClose](payload)
		if code != "" {
			return core.EnqueueResult{OK: false, Error: code}, nil
		}
		if d.sess == nil {
			return core.EnqueueResult{OK: true}, nil
		}
		if req.SessionID != d.sess.id {
			return core.EnqueueResult{OK: false, Error: errcode.InvalidParams}, nil
		}
		d.stopSession()
		d.res().Pub.Emit(core.Event{Addr: d.a, EventTag: "session_closed"})
		st := d.stats()
		d.res().Pub.Emit(core.Event{Addr: d.a, Payload: st})
		return core.EnqueueResult{OK: true, Reply: st}, nil

	case "stats":
		return core.EnqueueResult{OK: true, Reply: d.stats()}, nil

	default:
		return core.EnqueueResult{OK: false, Error: errcode.Unsupported}, nil
	}
}

func (d *Device) stopSession() {
	_ = d.src.Stop()
	shmring.Close(d.sess.handle)
	d.log.Debug("session closed", "session", d.sess.id)
	d.sess = nil
}

func (d *Device) Close() error {
	if d.src == nil {
		return nil
	}
	if d.sess != nil {
		d.stopSession()
	}
	d.cancel()
	err := d.src.Close()
	d.src = nil
	return err
}
