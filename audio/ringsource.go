package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"audiocode-go/errcode"
	"audiocode-go/x/shmring"
)

// FillFunc produces the next block of samples into dst. io.EOF ends the
// stream after any samples returned with it.
type FillFunc func(ctx context.Context, dst []int16) (int, error)

// RingSource runs a producer goroutine that calls fill and writes s16le
// samples into an SPSC ring. Read, or whoever holds the ring, drains it.
//
// Without backpressure a full ring drops the block remainder and counts an
// overrun, as a hardware sampler cannot wait. With backpressure the
// producer waits for space.
type RingSource struct {
	format       Format
	block        int
	backpressure bool
	prepare      func() error
	fill         FillFunc

	mu     sync.Mutex
	ring   *shmring.Ring
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	running  atomic.Bool
	samples  atomic.Uint64
	overruns atomic.Uint64
}

// RingOptions configure a RingSource.
type RingOptions struct {
	BlockSamples int
	Backpressure bool
	// Prepare runs at every start before the producer, e.g. to configure
	// the ADC or rewind a file.
	Prepare func() error
}

func NewRingSource(f Format, o RingOptions, fill FillFunc) *RingSource {
	if o.BlockSamples <= 0 {
		o.BlockSamples = DefaultConfig().BlockSamples
	}
	return &RingSource{format: f, block: o.BlockSamples, backpressure: o.Backpressure, prepare: o.Prepare, fill: fill}
}

func (s *RingSource) Format() Format { return s.format }

// DefaultRingBytes is one second of audio rounded up to a power of two,
// and never less than four blocks.
func (s *RingSource) DefaultRingBytes() int {
	n := s.format.BytesPerSecond()
	if floor := 4 * 2 * s.block; n < floor {
		n = floor
	}
	size := 2
	for size < n {
		size <<= 1
	}
	return size
}

func (s *RingSource) Start(ctx context.Context) error {
	_, err := s.StartRing(ctx, 0)
	return err
}

// StartRing starts the producer with a fresh ring of ringBytes (power of
// two; zero picks DefaultRingBytes) and returns it.
func (s *RingSource) StartRing(ctx context.Context, ringBytes int) (*shmring.Ring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil, errcode.Busy
	}
	if ringBytes == 0 {
		ringBytes = s.DefaultRingBytes()
	}
	if ringBytes < 2 || ringBytes&(ringBytes-1) != 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "audio.start", Msg: "ring size must be a power of two"}
	}
	if s.prepare != nil {
		if err := s.prepare(); err != nil {
			return nil, err
		}
	}
	ring := shmring.New(ringBytes)
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.ring, s.cancel, s.done, s.err = ring, cancel, done, nil
	s.samples.Store(0)
	s.overruns.Store(0)
	s.running.Store(true)
	go s.produce(cctx, ring, done)
	return ring, nil
}

func (s *RingSource) produce(ctx context.Context, ring *shmring.Ring, done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)
	raw := make([]int16, s.block)
	buf := make([]byte, 2*s.block)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.fill(ctx, raw)
		if n > 0 {
			PutPCM(buf, raw[:n])
			if !s.write(ctx, ring, buf[:2*n]) {
				return
			}
			s.samples.Add(uint64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// write returns false when ctx ended while waiting for space.
func (s *RingSource) write(ctx context.Context, ring *shmring.Ring, p []byte) bool {
	for len(p) > 0 {
		n := ring.TryWriteFrom(p)
		p = p[n:]
		if len(p) == 0 {
			return true
		}
		if !s.backpressure {
			s.overruns.Add(uint64(len(p) / 2))
			return true
		}
		select {
		case <-ring.Writable():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Read blocks for at least one sample. After the producer ends and the
// ring is drained it returns the producer error or io.EOF.
func (s *RingSource) Read(dst []int16) (int, error) {
	s.mu.Lock()
	ring, done := s.ring, s.done
	s.mu.Unlock()
	if ring == nil {
		return 0, errcode.NotStarted
	}
	if len(dst) == 0 {
		return 0, nil
	}
	buf := make([]byte, 2*len(dst))
	for {
		if avail := ring.Available() &^ 1; avail > 0 {
			if avail < len(buf) {
				buf = buf[:avail]
			}
			n := ring.TryReadInto(buf)
			return DecodePCM(dst, buf[:n]), nil
		}
		select {
		case <-ring.Readable():
		case <-done:
			if ring.Available() >= 2 {
				continue
			}
			if err := s.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}
}

// Stop ends the producer and waits for it. Samples already in the ring
// stay readable.
func (s *RingSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *RingSource) Close() error { return s.Stop() }

func (s *RingSource) Running() bool { return s.running.Load() }

// Stats reports samples produced and samples dropped since the last start.
func (s *RingSource) Stats() (samples, overruns uint64) {
	return s.samples.Load(), s.overruns.Load()
}

// Err is the error that ended the producer, if any.
func (s *RingSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
