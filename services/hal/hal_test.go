package hal_test

import (
	"context"
	"testing"
	"time"

	"audiocode-go/bus"
	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/services/hal"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

func waitLink(t *testing.T, sub *bus.Subscription, want types.Link) types.CapabilityStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-sub.Channel():
			if st := m.Payload.(types.CapabilityStatus); st.Link == want {
				return st
			}
		case <-deadline:
			t.Fatalf("no %s status on %v", want, sub.Topic())
		}
	}
}

func TestRunBringsUpRecorderDevices(t *testing.T) {
	if hal.Platform() != "sim" {
		t.Skip("host simulation only")
	}
	b := bus.NewBus(32)
	conn := b.NewConnection("test")
	ns := vfs.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hal.Run(ctx, b.NewConnection("hal"), hal.WithNamespace(ns)) }()

	storage := conn.Subscribe(bus.T("hal", "cap", "storage", "sdcard", "sd0", "status"))
	mic := conn.Subscribe(bus.T("hal", "cap", "audio", "microphone", "mic0", "status"))
	btn := conn.Subscribe(bus.T("hal", "cap", "io", "button", "rec", "status"))
	conn.Publish(conn.NewMessage(bus.T("config", "hal"), types.HALConfig{Devices: []types.HALDevice{
		{ID: "sd0", Type: "sdcard"},
		{ID: "mic0", Type: "adc_mic", Params: map[string]any{"unit": 1, "channel": 7}},
		{ID: "rec", Type: "gpio_button", Params: map[string]any{"pin": 0, "pull": "up", "invert": true}},
	}}, true))

	waitLink(t, storage, types.LinkUp)
	waitLink(t, mic, types.LinkUp)
	waitLink(t, btn, types.LinkUp)
	if !ns.Mounted("/sdcard") {
		t.Fatal("card not mounted")
	}

	state := conn.Subscribe(bus.T("hal", "state"))
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hal did not stop")
	}
	var last types.HALState
	for len(state.Channel()) > 0 {
		last = (<-state.Channel()).Payload.(types.HALState)
	}
	if last.Level != "stopped" {
		t.Fatalf("final state = %+v", last)
	}
	if ns.Mounted("/sdcard") {
		t.Fatal("card still mounted after stop")
	}
}

func TestRunDegradesWhenCardMissing(t *testing.T) {
	if hal.Platform() != "sim" {
		t.Skip("host simulation only")
	}
	b := bus.NewBus(32)
	conn := b.NewConnection("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hal.Run(ctx, b.NewConnection("hal"),
		hal.WithNamespace(vfs.New()),
		hal.WithSimCard("spi3", 5, sdsim.New(sdsim.Options{Absent: true})))

	storage := conn.Subscribe(bus.T("hal", "cap", "storage", "sdcard", "sd0", "status"))
	conn.Publish(conn.NewMessage(bus.T("config", "hal"), types.HALConfig{Devices: []types.HALDevice{
		{ID: "sd0", Type: "sdcard"},
	}}, true))
	if st := waitLink(t, storage, types.LinkDegraded); st.Error != "card_absent" {
		t.Fatalf("status error = %q", st.Error)
	}
}

func TestRunRejectsUnknownBoard(t *testing.T) {
	if hal.Platform() == "rp2040" {
		t.Skip("board is fixed on rp2040")
	}
	b := bus.NewBus(4)
	if err := hal.Run(context.Background(), b.NewConnection("hal"), hal.WithBoard("nrf52")); err == nil {
		t.Fatal("expected error for unknown board")
	}
}
