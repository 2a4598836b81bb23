// Package wavsource replays a WAV file from the VFS as a microphone. It is
// a drop-in substitute for adcmic when no analogue front end is present.
package wavsource

import (
	"context"
	"io"
	"time"

	"audiocode-go/audio"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/devices/internal/miccap"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

func init() { core.RegisterBuilder("wav_source", builder{}) }

type Params struct {
	Name         string `yaml:"name"`
	Domain       string `yaml:"domain"`
	File         string `yaml:"file"`
	BlockSamples int    `yaml:"block_samples"`
	Realtime     bool   `yaml:"realtime"`
	Once         bool   `yaml:"once"` // stop at end of file instead of looping
	RingSize     int    `yaml:"ring_size"`
}

// Options for Open.
type Options struct {
	BlockSamples int
	Realtime     bool
	Once         bool
}

// Source plays decoded samples through a ring with backpressure.
type Source struct {
	*audio.RingSource
	samples []int16
	pos     int
}

// Ensure Source satisfies the contract at compile time.
var _ audio.SampleSource = (*Source)(nil)

// Open decodes path from ns. The whole file is held in memory.
func Open(ns *vfs.Namespace, path string, o Options) (*Source, error) {
	if ns == nil {
		ns = vfs.Default
	}
	f, err := ns.Open(path)
	if err != nil {
		return nil, &errcode.E{C: errcode.NotMounted, Op: "wavsource.open", Msg: path, Err: err}
	}
	defer f.Close()
	format, samples, err := audio.ReadWAV(f)
	if err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "wavsource.decode", Msg: path, Err: err}
	}
	if len(samples) == 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "wavsource.decode", Msg: "no samples"}
	}
	if o.BlockSamples <= 0 {
		o.BlockSamples = audio.DefaultConfig().BlockSamples
	}
	s := &Source{samples: samples}
	block := time.Duration(o.BlockSamples) * time.Second / time.Duration(format.SampleRate)
	var next time.Time
	s.RingSource = audio.NewRingSource(format, audio.RingOptions{
		BlockSamples: o.BlockSamples,
		Backpressure: true,
		Prepare:      func() error { s.pos = 0; next = time.Time{}; return nil },
	}, func(ctx context.Context, dst []int16) (int, error) {
		if o.Realtime {
			if next.IsZero() {
				next = time.Now()
			}
			next = next.Add(block)
			t := time.NewTimer(time.Until(next))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return 0, ctx.Err()
			}
		}
		return s.next(dst, o.Once)
	})
	return s, nil
}

func (s *Source) next(dst []int16, once bool) (int, error) {
	n := 0
	for n < len(dst) {
		if s.pos == len(s.samples) {
			if once {
				return n, io.EOF
			}
			s.pos = 0
		}
		c := copy(dst[n:], s.samples[s.pos:])
		s.pos += c
		n += c
	}
	return n, nil
}

type builder struct{}

func (builder) Build(_ context.Context, in core.BuilderInput) (core.Device, error) {
	p, err := core.DecodeParams[Params](in.Params)
	if err != nil {
		return nil, err
	}
	if p.File == "" {
		return nil, errcode.InvalidParams
	}
	blk := p.BlockSamples
	if blk == 0 {
		blk = audio.DefaultConfig().BlockSamples
	}
	return miccap.New(miccap.Config{
		ID:       in.ID,
		Domain:   p.Domain,
		Name:     p.Name,
		Driver:   "wav_source",
		Info:     types.MicInfo{Source: "wav", File: p.File, BitDepth: 16, BlockSamples: blk},
		RingSize: p.RingSize,
		Res:      in.Res,
		Open: func(context.Context) (miccap.Source, error) {
			return Open(in.Res.VFS, p.File, Options{BlockSamples: blk, Realtime: p.Realtime, Once: p.Once})
		},
	}), nil
}
