package vfs

import (
	"os"
	"testing"

	"github.com/spf13/afero"
)

func TestMountResolveUnmount(t *testing.T) {
	ns := New()
	card := afero.NewMemMapFs()
	if err := ns.Mount("/sdcard", card); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := ns.Mount("/sdcard/", afero.NewMemMapFs()); err != ErrAlreadyMounted {
		t.Fatalf("second mount err = %v, want ErrAlreadyMounted", err)
	}

	f, err := ns.Create("/sdcard/recording_20250101_120000.wav")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _ = f.Write([]byte("RIFF"))
	_ = f.Close()

	if ok, _ := afero.Exists(card, "recording_20250101_120000.wav"); !ok {
		t.Fatal("file not on the mounted volume")
	}
	if _, _, err := ns.Resolve("/sd/other"); err != ErrNotMounted {
		t.Fatalf("resolve outside mount err = %v", err)
	}
	if _, _, err := ns.Resolve("/sdcardx/a"); err != ErrNotMounted {
		t.Fatal("prefix match must respect path boundaries")
	}

	if err := ns.Unmount("/sdcard"); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if _, err := ns.Open("/sdcard/recording_20250101_120000.wav"); err != ErrNotMounted {
		t.Fatalf("open after unmount err = %v", err)
	}
	if err := ns.Unmount("/sdcard"); err != ErrNotMounted {
		t.Fatalf("double unmount err = %v", err)
	}
}

func TestMountRejectsBadPaths(t *testing.T) {
	ns := New()
	for _, p := range []string{"", "/", "sdcard", "//"} {
		if err := ns.Mount(p, afero.NewMemMapFs()); err != ErrBadPath {
			t.Fatalf("Mount(%q) err = %v, want ErrBadPath", p, err)
		}
	}
}

func TestLongestMountWins(t *testing.T) {
	ns := New()
	outer, inner := afero.NewMemMapFs(), afero.NewMemMapFs()
	_ = ns.Mount("/data", outer)
	_ = ns.Mount("/data/card", inner)

	v, rel, err := ns.Resolve("/data/card/x.pcm")
	if err != nil || v != inner || rel != "x.pcm" {
		t.Fatalf("resolve = (%v, %q, %v)", v == inner, rel, err)
	}
	v, rel, _ = ns.Resolve("/data/card")
	if v != inner || rel != "." {
		t.Fatalf("mount root rel = %q", rel)
	}
}

func TestGlobAndUsage(t *testing.T) {
	ns := New()
	card := afero.NewMemMapFs()
	_ = ns.Mount("/sdcard", card)
	_ = afero.WriteFile(card, "a.wav", make([]byte, 10), 0o644)
	_ = afero.WriteFile(card, "b.pcm", make([]byte, 4), 0o644)
	_ = card.MkdirAll("old", os.ModePerm)
	_ = afero.WriteFile(card, "old/c.wav", make([]byte, 6), 0o644)

	got, err := ns.Glob("/sdcard/**/*.wav")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := []string{"/sdcard/a.wav", "/sdcard/old/c.wav"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("glob = %v, want %v", got, want)
	}

	sub, err := ns.Glob("/sdcard/old/*.wav")
	if err != nil || len(sub) != 1 || sub[0] != "/sdcard/old/c.wav" {
		t.Fatalf("sub glob = %v, %v", sub, err)
	}

	files, bytes, err := ns.Usage("/sdcard")
	if err != nil || files != 3 || bytes != 20 {
		t.Fatalf("usage = %d files %d bytes err %v", files, bytes, err)
	}
}
