package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"audiocode-go/errcode"
)

// counter yields 0,1,2,... up to limit, then io.EOF.
func counter(limit int) FillFunc {
	next := 0
	return func(_ context.Context, dst []int16) (int, error) {
		n := 0
		for n < len(dst) && next < limit {
			dst[n] = int16(next)
			n++
			next++
		}
		if next >= limit {
			return n, io.EOF
		}
		return n, nil
	}
}

func readAll(t *testing.T, s *RingSource) []int16 {
	t.Helper()
	var out []int16
	buf := make([]int16, 37)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	t.Fatal("read did not finish")
	return nil
}

func TestRingSourceBackpressureDeliversEverySample(t *testing.T) {
	s := NewRingSource(Format{SampleRate: 8000, Channels: 1, BitDepth: 16},
		RingOptions{BlockSamples: 64, Backpressure: true}, counter(5000))
	if _, err := s.StartRing(context.Background(), 256); err != nil {
		t.Fatal(err)
	}
	got := readAll(t, s)
	if len(got) != 5000 {
		t.Fatalf("got %d samples", len(got))
	}
	for i, v := range got {
		if int(v) != i {
			t.Fatalf("sample %d = %d", i, v)
		}
	}
	if n, over := s.Stats(); n != 5000 || over != 0 {
		t.Fatalf("stats samples=%d overruns=%d", n, over)
	}
}

func TestRingSourceBackpressureTinyRingNeverStalls(t *testing.T) {
	// An 8-byte ring holds four samples, so nearly every 64-sample block
	// waits for the reader several times.
	const total = 3000 * 3
	s := NewRingSource(Format{SampleRate: 8000, Channels: 1, BitDepth: 16},
		RingOptions{BlockSamples: 64, Backpressure: true}, counter(total))
	if _, err := s.StartRing(context.Background(), 8); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	done := make(chan error, 1)
	go func() {
		buf := make([]int16, 3)
		next := 0
		for {
			n, err := s.Read(buf)
			for _, v := range buf[:n] {
				if int(v) != next {
					done <- fmt.Errorf("sample %d = %d", next, v)
					return
				}
				next++
			}
			if errors.Is(err, io.EOF) {
				if next != total {
					err = fmt.Errorf("got %d samples", next)
				} else {
					err = nil
				}
				done <- err
				return
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		produced, _ := s.Stats()
		t.Fatalf("stalled after %d samples produced", produced)
	}
}

func TestRingSourceDropsWithoutBackpressure(t *testing.T) {
	s := NewRingSource(Format{SampleRate: 8000, Channels: 1, BitDepth: 16},
		RingOptions{BlockSamples: 64}, counter(1000))
	ring, err := s.StartRing(context.Background(), 128)
	if err != nil {
		t.Fatal(err)
	}
	// Nobody reads: the producer must finish and count what did not fit.
	deadline := time.After(time.Second)
	for s.Running() {
		select {
		case <-deadline:
			t.Fatal("producer did not finish")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	n, over := s.Stats()
	if n != 1000 || over != 1000-64 {
		t.Fatalf("samples=%d overruns=%d", n, over)
	}
	if ring.Available() != 128 {
		t.Fatalf("ring holds %d bytes", ring.Available())
	}
}

func TestRingSourceLifecycle(t *testing.T) {
	block := func(ctx context.Context, dst []int16) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	s := NewRingSource(Format{SampleRate: 16000, Channels: 1, BitDepth: 16}, RingOptions{}, block)

	if _, err := s.Read(make([]int16, 4)); errcode.Of(err) != errcode.NotStarted {
		t.Fatalf("read before start: %v", err)
	}
	if _, err := s.StartRing(context.Background(), 100); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("bad ring size: %v", err)
	}
	if got := s.DefaultRingBytes(); got != 32768 {
		t.Fatalf("default ring = %d", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); errcode.Of(err) != errcode.Busy {
		t.Fatalf("second start: %v", err)
	}

	res := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]int16, 4))
		res <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = s.Stop()
	select {
	case err := <-res:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("read after stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock on stop")
	}
	if s.Running() || s.Err() != nil {
		t.Fatalf("running=%v err=%v", s.Running(), s.Err())
	}
}

func TestRingSourceReportsFillError(t *testing.T) {
	boom := errors.New("adc fault")
	s := NewRingSource(Format{SampleRate: 8000, Channels: 1, BitDepth: 16}, RingOptions{BlockSamples: 8},
		func(context.Context, []int16) (int, error) { return 0, boom })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(make([]int16, 8)); !errors.Is(err, boom) {
		t.Fatalf("read err = %v", err)
	}
}
