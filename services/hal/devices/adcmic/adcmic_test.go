package adcmic_test

import (
	"context"
	"testing"
	"time"

	"audiocode-go/audio"
	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/devices/adcmic"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/services/hal/internal/provider/sim"
	"audiocode-go/types"
	"audiocode-go/x/shmring"
	"audiocode-go/x/vfs"
)

func newReg(t *testing.T) *core.Registry {
	t.Helper()
	reg := core.NewRegistry(sim.New(sim.Options{ToneHz: 500, Amplitude: 1000}))
	t.Cleanup(reg.Close)
	return reg
}

func TestOpenErrors(t *testing.T) {
	reg := newReg(t)

	if _, err := adcmic.Open(reg, "mic", 1, 9, audio.Config{}); errcode.Of(err) != errcode.InvalidChannel {
		t.Fatalf("unknown channel: %v", err)
	}
	if _, err := adcmic.Open(reg, "mic", 1, 7, audio.Config{SampleRate: 100}); errcode.Of(err) != errcode.ConfigRange {
		t.Fatalf("bad rate: %v", err)
	}
	if _, err := reg.ClaimPin("other", 35, core.FuncGPIOIn); err != nil {
		t.Fatal(err)
	}
	if _, err := adcmic.Open(reg, "mic", 1, 7, audio.Config{}); errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("gpio owned elsewhere: %v", err)
	}
}

func TestSamplerProducesCentredTone(t *testing.T) {
	reg := newReg(t)
	s, err := adcmic.Open(reg, "mic", 1, 6, audio.Config{SampleRate: 8000, BlockSamples: 128})
	if err != nil {
		t.Fatal(err)
	}
	if s.GPIO() != 34 {
		t.Fatalf("gpio = %d", s.GPIO())
	}
	if f := s.Format(); f != (audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}) {
		t.Fatalf("format = %+v", f)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	buf := make([]int16, 256)
	got := 0
	var lo, hi int16
	for got < 2000 {
		n, err := s.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		for _, v := range buf[:n] {
			lo, hi = min(lo, v), max(hi, v)
		}
		got += n
	}
	// Amplitude 1000 codes around 2048 scales to about +-16000.
	if hi < 15000 || hi > 16100 || lo > -15000 || lo < -16100 {
		t.Fatalf("range [%d,%d]", lo, hi)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.PinOwner(34); ok {
		t.Fatal("gpio still claimed after close")
	}
	_ = s.Close()
}

func recvWithin(t *testing.T, sub *bus.Subscription, d time.Duration) *bus.Message {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(d):
		t.Fatalf("timeout waiting on %v", sub.Topic())
		return nil
	}
}

func TestMicrophoneSessionOverBus(t *testing.T) {
	reg := newReg(t)
	b := bus.NewBus(16)
	conn := b.NewConnection("test")
	h := core.NewHAL(b.NewConnection("hal"), reg, vfs.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	status := conn.Subscribe(bus.T("hal", "cap", "audio", "microphone", "mic0", "status"))
	conn.Publish(conn.NewMessage(bus.T("config", "hal"), types.HALConfig{Devices: []types.HALDevice{
		{ID: "mic0", Type: "adc_mic", Params: map[string]any{"unit": 1, "channel": 6, "sample_rate": 8000}},
	}}, true))
	for recvWithin(t, status, time.Second).Payload.(types.CapabilityStatus).Link != types.LinkUp {
	}

	ctl := func(verb string, payload any) any {
		r, err := conn.RequestWait(ctx, conn.NewMessage(core.CapCtrl("audio", "microphone", "mic0", verb), payload, false))
		if err != nil {
			t.Fatal(err)
		}
		return r.Payload
	}

	op, ok := ctl("session_open", types.MicSessionOpen{RingSize: 4096}).(types.MicSessionOpened)
	if !ok || op.SampleRate != 8000 || op.Channels != 1 || op.BitDepth != 16 {
		t.Fatalf("open reply = %#v", op)
	}
	if rep, _ := ctl("session_open", nil).(types.ErrorReply); rep.Error != string(errcode.Busy) {
		t.Fatalf("second open = %#v", rep)
	}

	ring := shmring.Get(shmring.Handle(op.Handle))
	if ring == nil || ring.Cap() != 4096 {
		t.Fatal("ring not registered")
	}
	select {
	case <-ring.Readable():
	case <-time.After(time.Second):
		t.Fatal("no samples")
	}

	st, _ := ctl("stats", nil).(types.MicStats)
	if !st.Running || st.Samples == 0 {
		t.Fatalf("stats = %+v", st)
	}
	if rep, _ := ctl("session_close", types.MicSessionClose{SessionID: op.SessionID + 1}).(types.ErrorReply); rep.Error != string(errcode.InvalidParams) {
		t.Fatalf("close of another session = %#v", rep)
	}
	if rep, _ := ctl("session_close", nil).(types.ErrorReply); rep.Error != string(errcode.InvalidParams) {
		t.Fatalf("close without session id = %#v", rep)
	}
	if shmring.Get(shmring.Handle(op.Handle)) == nil {
		t.Fatal("mismatched close tore down the session")
	}
	if _, ok := ctl("session_close", types.MicSessionClose{SessionID: op.SessionID}).(types.MicStats); !ok {
		t.Fatal("close reply")
	}
	if shmring.Get(shmring.Handle(op.Handle)) != nil {
		t.Fatal("handle still registered")
	}
	if st, _ := ctl("stats", nil).(types.MicStats); st.Running {
		t.Fatal("still running after close")
	}
}
