package sdcard_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"

	"audiocode-go/bus"
	"audiocode-go/drivers/fatfs"
	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/devices/sdcard"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/services/hal/internal/provider/sim"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

func rig(t *testing.T, o sdsim.Options) (*core.Registry, *vfs.Namespace) {
	t.Helper()
	p := sim.New(sim.Options{})
	p.AttachCard("spi3", 5, sdsim.New(o))
	reg := core.NewRegistry(p)
	t.Cleanup(reg.Close)
	return reg, vfs.New()
}

func TestMountDefaultsAndFileIO(t *testing.T) {
	reg, ns := rig(t, sdsim.Options{})
	v, err := sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if v.Path() != "/sdcard" || !ns.Mounted("/sdcard") {
		t.Fatalf("not mounted at /sdcard: %q", v.Path())
	}
	if v.Kind().String() != "sdhc" || v.CapacityBytes() != 8192*512 {
		t.Fatalf("kind=%s capacity=%d", v.Kind(), v.CapacityBytes())
	}
	for _, n := range []int{19, 23, 18, 5} {
		if owner, ok := reg.PinOwner(n); !ok || owner != "sd0" {
			t.Fatalf("pin %d owner=%q ok=%v", n, owner, ok)
		}
	}

	f, err := ns.Create("/sdcard/hello.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _ = f.Write([]byte("hi"))
	_ = f.Close()
	b, err := afero.ReadFile(v.Fs(), "hello.txt")
	if err != nil || string(b) != "hi" {
		t.Fatalf("read back %q err=%v", b, err)
	}

	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if ns.Mounted("/sdcard") {
		t.Fatal("still mounted after close")
	}
	if _, ok := reg.PinOwner(5); ok {
		t.Fatal("cs still claimed after close")
	}
}

func TestMountFailuresReleaseClaims(t *testing.T) {
	cases := []struct {
		name string
		card sdsim.Options
		opts sdcard.Options
		want errcode.Code
	}{
		{"absent", sdsim.Options{Absent: true}, sdcard.Options{}, errcode.CardAbsent},
		{"voltage", sdsim.Options{BadVoltage: true}, sdcard.Options{}, errcode.CardUnsupported},
		{"never_ready", sdsim.Options{NeverReady: true}, sdcard.Options{InitTimeout: 30 * time.Millisecond}, errcode.CardUnsupported},
		{"unformatted", sdsim.Options{Unformat: true}, sdcard.Options{}, errcode.FSCorrupt},
		{"pins", sdsim.Options{}, sdcard.Options{Pins: core.SPIPins{MISO: 19, MOSI: 19, CLK: 18, CS: 5}}, errcode.InvalidPins},
		{"input_only_cs", sdsim.Options{}, sdcard.Options{Pins: core.SPIPins{MISO: 19, MOSI: 23, CLK: 18, CS: 36}}, errcode.InvalidPins},
		{"bus", sdsim.Options{}, sdcard.Options{Bus: "spi9"}, errcode.UnknownBus},
		{"no_card_on_bus", sdsim.Options{}, sdcard.Options{Bus: "spi2"}, errcode.CardAbsent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, ns := rig(t, tc.card)
			_, err := sdcard.Mount(context.Background(), "sd0", reg, ns, tc.opts)
			if got := errcode.Of(err); got != tc.want {
				t.Fatalf("code=%q want %q (err=%v)", got, tc.want, err)
			}
			for _, n := range []int{19, 23, 18, 5} {
				if _, ok := reg.PinOwner(n); ok {
					t.Fatalf("pin %d left claimed", n)
				}
			}
			if ns.Mounted("/sdcard") {
				t.Fatal("left mounted")
			}
		})
	}
}

func TestMountConflicts(t *testing.T) {
	reg, ns := rig(t, sdsim.Options{})
	if _, err := reg.ClaimPin("other", 18, core.FuncGPIOOut); err != nil {
		t.Fatal(err)
	}
	_, err := sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if errcode.Of(err) != errcode.PinInUse {
		t.Fatalf("want pin_in_use, got %v", err)
	}
	if owner, _ := reg.PinOwner(18); owner != "other" {
		t.Fatalf("foreign claim disturbed: %q", owner)
	}
	reg.ReleasePin("other", 18)

	v, err := sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	_, err = sdcard.Mount(context.Background(), "sd1", reg, ns, sdcard.Options{
		Bus:  "spi2",
		Pins: core.SPIPins{MISO: 12, MOSI: 13, CLK: 14, CS: 15},
	})
	if errcode.Of(err) != errcode.AlreadyMounted {
		t.Fatalf("want already_mounted, got %v", err)
	}
}

func TestRemountAfterClose(t *testing.T) {
	reg, ns := rig(t, sdsim.Options{})
	v, err := sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_ = afero.WriteFile(v.Fs(), "keep.bin", []byte{1, 2, 3}, 0o644)
	_ = v.Close()

	v, err = sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	defer v.Close()
	files, n, err := v.Usage()
	if err != nil || files != 1 || n != 3 {
		t.Fatalf("usage files=%d bytes=%d err=%v", files, n, err)
	}
}

func TestMountStandardCapacityCards(t *testing.T) {
	for _, o := range []sdsim.Options{{V1: true}, {SDSC: true}} {
		reg, ns := rig(t, o)
		v, err := sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
		if err != nil {
			t.Fatalf("%+v: mount: %v", o, err)
		}
		f, err := ns.Create("/sdcard/take1.wav")
		if err != nil {
			t.Fatalf("%+v: create: %v", o, err)
		}
		_, _ = f.Write([]byte("RIFF"))
		_ = f.Close()
		if b, err := afero.ReadFile(v.Fs(), "take1.wav"); err != nil || string(b) != "RIFF" {
			t.Fatalf("%+v: read back %q err=%v", o, b, err)
		}
		_ = v.Close()
	}
}

func TestSwappedCardShowsItsOwnFiles(t *testing.T) {
	p := sim.New(sim.Options{})
	cardA := sdsim.New(sdsim.Options{})
	p.AttachCard("spi3", 5, cardA)
	reg := core.NewRegistry(p)
	defer reg.Close()
	ns := vfs.New()

	v, err := sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(v.Fs(), "only_on_card_a.wav", []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = v.Close()

	p.AttachCard("spi3", 5, sdsim.New(sdsim.Options{}))
	v, err = sdcard.Mount(context.Background(), "sd0", reg, ns, sdcard.Options{})
	if err != nil {
		t.Fatalf("mount card b: %v", err)
	}
	defer v.Close()
	if ok, _ := afero.Exists(v.Fs(), "only_on_card_a.wav"); ok {
		t.Fatal("card b shows a file written to card a")
	}
	if v.FSType() != "fat16" {
		t.Fatalf("fs type = %q", v.FSType())
	}

	// The file lives in card a's blocks.
	fa, err := fatfs.Mount(cardA.Device())
	if err != nil {
		t.Fatal(err)
	}
	if b, _ := afero.ReadFile(fa, "only_on_card_a.wav"); string(b) != "RIFF" {
		t.Fatalf("card a holds %q", b)
	}
}

func TestCorruptBootSectorIsFSCorrupt(t *testing.T) {
	card := sdsim.New(sdsim.Options{})
	img := card.Image()
	img[13] = 3 // sectors per cluster must be a power of two
	p := sim.New(sim.Options{})
	p.AttachCard("spi3", 5, card)
	reg := core.NewRegistry(p)
	defer reg.Close()

	_, err := sdcard.Mount(context.Background(), "sd0", reg, vfs.New(), sdcard.Options{})
	if errcode.Of(err) != errcode.FSCorrupt {
		t.Fatalf("code = %q (err=%v)", errcode.Of(err), err)
	}
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

func TestHALDeviceInfoAndSync(t *testing.T) {
	reg, ns := rig(t, sdsim.Options{})
	b := bus.NewBus(16)
	conn := b.NewConnection("test")
	h := core.NewHAL(b.NewConnection("hal"), reg, ns, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	status := conn.Subscribe(bus.T("hal", "cap", "storage", "sdcard", "card", "status"))
	conn.Publish(conn.NewMessage(bus.T("config", "hal"), types.HALConfig{Devices: []types.HALDevice{
		{ID: "sd0", Type: "sdcard", Params: map[string]any{"name": "card"}},
	}}, true))

	for {
		m := recvWithin(t, status, time.Second)
		if st := m.Payload.(types.CapabilityStatus); st.Link == types.LinkUp {
			break
		}
	}

	r, err := conn.RequestWait(ctx, conn.NewMessage(core.CapCtrl("storage", "sdcard", "card", "info"), nil, false))
	if err != nil {
		t.Fatal(err)
	}
	info, ok := r.Payload.(types.StorageInfo)
	if !ok || info.Path != "/sdcard" || info.Card != types.CardSDHC || info.CS != 5 {
		t.Fatalf("info = %#v", r.Payload)
	}

	_ = afero.WriteFile(mustFs(t, ns), "a.wav", make([]byte, 100), 0o644)
	r, err = conn.RequestWait(ctx, conn.NewMessage(core.CapCtrl("storage", "sdcard", "card", "sync"), nil, false))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := r.Payload.(types.StorageValue); !ok || !v.Mounted || v.Files != 1 || v.Bytes != 100 {
		t.Fatalf("sync = %#v", r.Payload)
	}
}

func TestHALDeviceDegradesWithoutCard(t *testing.T) {
	reg, ns := rig(t, sdsim.Options{Absent: true})
	b := bus.NewBus(16)
	conn := b.NewConnection("test")
	h := core.NewHAL(b.NewConnection("hal"), reg, ns, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	status := conn.Subscribe(bus.T("hal", "cap", "storage", "sdcard", "sd0", "status"))
	conn.Publish(conn.NewMessage(bus.T("config", "hal"), types.HALConfig{Devices: []types.HALDevice{
		{ID: "sd0", Type: "sdcard"},
	}}, true))

	for {
		st := recvWithin(t, status, time.Second).Payload.(types.CapabilityStatus)
		if st.Link == types.LinkDegraded {
			if st.Error != string(errcode.CardAbsent) {
				t.Fatalf("error = %q", st.Error)
			}
			return
		}
	}
}

func mustFs(t *testing.T, ns *vfs.Namespace) afero.Fs {
	t.Helper()
	fs, err := ns.Fs("/sdcard")
	if err != nil {
		t.Fatal(err)
	}
	return fs
}
