package recorder

import (
	"context"
	"strings"
	"testing"
	"time"

	"audiocode-go/audio"
	"audiocode-go/bus"
	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/errcode"
	"audiocode-go/services/hal"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

var fixedNow = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

type rig struct {
	conn  *bus.Connection
	ns    *vfs.Namespace
	state *bus.Subscription
	saved *bus.Subscription
}

func newRig(t *testing.T, halOpts ...hal.Option) *rig {
	t.Helper()
	if hal.Platform() != "sim" {
		t.Skip("host simulation only")
	}
	b := bus.NewBus(64)
	ns := vfs.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := append([]hal.Option{hal.WithNamespace(ns), hal.WithRealtime()}, halOpts...)
	go hal.Run(ctx, b.NewConnection("hal"), opts...)
	go New(b.NewConnection("recorder"), Options{VFS: ns, Now: fixedNow}).Run(ctx)

	r := &rig{conn: b.NewConnection("test"), ns: ns}
	r.state = r.conn.Subscribe(topicState)
	r.saved = r.conn.Subscribe(topicSaved)
	r.waitState(t, "idle", string(errcode.NotConfigured))
	return r
}

func (r *rig) configure(rec types.RecorderConfig) {
	r.conn.Publish(r.conn.NewMessage(bus.T("config", "hal"), types.HALConfig{Devices: []types.HALDevice{
		{ID: "sd0", Type: "sdcard"},
		{ID: "mic0", Type: "adc_mic", Params: map[string]any{"unit": 1, "channel": 7, "sample_rate": 8000, "block_samples": 256}},
		{ID: "led0", Type: "gpio_led", Params: map[string]any{"pin": 2, "name": "busy"}},
	}}, true))
	r.conn.Publish(r.conn.NewMessage(topicConfig, rec, true))
}

func (r *rig) waitState(t *testing.T, state, code string) types.RecState {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-r.state.Channel():
			st := m.Payload.(types.RecState)
			if st.State == state && st.Error == code {
				return st
			}
		case <-deadline:
			t.Fatalf("no rec/state %s/%s", state, code)
		}
	}
}

func (r *rig) start(t *testing.T, secs int) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := r.conn.RequestWait(ctx, r.conn.NewMessage(topicStart, types.RecStart{Seconds: secs}, false))
	if err != nil {
		t.Fatal(err)
	}
	return m.Payload
}

func (r *rig) waitSaved(t *testing.T) types.RecSaved {
	t.Helper()
	select {
	case m := <-r.saved.Channel():
		return m.Payload.(types.RecSaved)
	case <-time.After(5 * time.Second):
		t.Fatal("no rec/saved")
		return types.RecSaved{}
	}
}

func TestRecordToWAV(t *testing.T) {
	r := newRig(t)
	r.configure(types.RecorderConfig{Seconds: 1})
	r.waitState(t, "idle", "")

	st, ok := r.start(t, 0).(types.RecState)
	if !ok || st.State != "recording" || st.Path != "/sdcard/recording_20250102_030405.wav" {
		t.Fatalf("start reply = %#v", st)
	}
	if rep, _ := r.start(t, 0).(types.ErrorReply); rep.Error != string(errcode.Busy) {
		t.Fatalf("second start = %#v", rep)
	}

	saved := r.waitSaved(t)
	if saved.Path != st.Path || saved.Samples != 8000 || saved.SampleRate != 8000 || saved.DurationMs != 1000 {
		t.Fatalf("saved = %+v", saved)
	}
	if saved.Bytes != 44+16000 {
		t.Fatalf("file size = %d", saved.Bytes)
	}
	f, err := r.ns.Open(saved.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	format, samples, err := audio.ReadWAV(f)
	if err != nil || format.SampleRate != 8000 || len(samples) != 8000 {
		t.Fatalf("wav format=%+v n=%d err=%v", format, len(samples), err)
	}
	r.waitState(t, "idle", "")

	// Same second: the name gets a suffix.
	st, _ = r.start(t, 1).(types.RecState)
	if st.Path != "/sdcard/recording_20250102_030405_1.wav" {
		t.Fatalf("collision path = %q", st.Path)
	}
	r.waitSaved(t)
}

func TestButtonTriggersAndStopKeepsAudio(t *testing.T) {
	r := newRig(t)
	r.configure(types.RecorderConfig{Seconds: 5, Button: "rec", Prefix: "clip", LED: "busy"})
	r.waitState(t, "idle", "")
	led := r.conn.Subscribe(bus.T("hal", "cap", "io", "led", "busy", "value"))

	r.conn.Publish(r.conn.NewMessage(bus.T("hal", "cap", "io", "button", "rec", "event", "pressed"), types.ButtonValue{Pressed: true}, false))
	st := r.waitState(t, "recording", "")
	if !strings.HasPrefix(st.Path, "/sdcard/clip_") {
		t.Fatalf("path = %q", st.Path)
	}

	time.Sleep(300 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.conn.RequestWait(ctx, r.conn.NewMessage(topicStop, nil, false)); err != nil {
		t.Fatal(err)
	}
	saved := r.waitSaved(t)
	if saved.Samples == 0 || saved.Samples >= 5*8000 {
		t.Fatalf("stopped recording has %d samples", saved.Samples)
	}

	// The LED follows the recording: retained off, then on, then off.
	var seen []bool
	deadline := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case m := <-led.Channel():
			seen = append(seen, m.Payload.(types.LEDValue).On)
		case <-deadline:
			t.Fatalf("led values = %v", seen)
		}
	}
	if seen[0] || !seen[1] || seen[2] {
		t.Fatalf("led values = %v", seen)
	}
}

func TestRefusals(t *testing.T) {
	r := newRig(t, hal.WithSimCard("spi3", 5, sdsim.New(sdsim.Options{Absent: true})))

	if rep, _ := r.start(t, 0).(types.ErrorReply); rep.Error != string(errcode.NotConfigured) {
		t.Fatalf("unconfigured start = %#v", rep)
	}
	if rep, _ := r.start(t, 301).(types.ErrorReply); rep.Error != string(errcode.NotConfigured) {
		t.Fatalf("unconfigured start with 301s = %#v", rep)
	}

	r.configure(types.RecorderConfig{})
	r.waitState(t, "error", string(errcode.NoStorage))
	if rep, _ := r.start(t, 0).(types.ErrorReply); rep.Error != string(errcode.NoStorage) {
		t.Fatalf("start without storage = %#v", rep)
	}
	if rep, _ := r.start(t, 301).(types.ErrorReply); rep.Error != string(errcode.InvalidParams) {
		t.Fatalf("start with 301s = %#v", rep)
	}
}

func TestDefaultsAndValidate(t *testing.T) {
	c := Defaults(types.RecorderConfig{})
	if c.Mic != "mic0" || c.Storage != "sd0" || c.Mount != "/sdcard" || c.Seconds != 5 || c.Prefix != "recording" {
		t.Fatalf("defaults = %+v", c)
	}
	if err := Validate(types.RecorderConfig{Seconds: 0}); errcode.Of(err) != errcode.InvalidParams {
		t.Fatal("zero seconds must be rejected after defaults")
	}
	if err := Validate(c); err != nil {
		t.Fatal(err)
	}
}
