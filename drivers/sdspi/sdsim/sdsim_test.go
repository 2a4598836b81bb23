package sdsim

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"audiocode-go/drivers/fatfs"
)

func TestIgnoresTrafficWhileDeselected(t *testing.T) {
	c := New(Options{})
	cs := c.CS()
	cs.Set(true)
	_ = c.Tx([]byte{0x40, 0, 0, 0, 0, 0x95}, nil)
	if len(c.Commands) != 0 {
		t.Fatalf("command accepted with CS high: %v", c.Commands)
	}

	cs.Set(false)
	_ = c.Tx([]byte{0x40, 0, 0, 0, 0, 0x95}, nil)
	r := make([]byte, 2)
	_ = c.Tx(nil, r)
	if r[0] != 0xFF || r[1] != 0x01 {
		t.Fatalf("CMD0 response = % x, want ff 01", r)
	}
}

func TestUnformattedImage(t *testing.T) {
	c := New(Options{Unformat: true, Blocks: 1024})
	if len(c.Image()) != 1024*512 {
		t.Fatalf("image size %d", len(c.Image()))
	}
	if c.Image()[510] != 0 {
		t.Fatal("unformatted image should be blank")
	}
}

func TestNewCardIsFormatted(t *testing.T) {
	c := New(Options{Label: "field"})
	v, err := fatfs.Mount(c.Device())
	if err != nil {
		t.Fatalf("mount fresh card: %v", err)
	}
	if v.Type() != fatfs.FAT16 || v.Label() != "FIELD" {
		t.Fatalf("type=%s label=%q", v.Type(), v.Label())
	}
	if free, _ := v.Free(); free != v.Capacity() {
		t.Fatal("fresh card should be empty")
	}
}

func TestOpenPersistsImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	c, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	v, err := fatfs.Mount(c.Device())
	if err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(v, "kept.wav", []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = v.Unmount()
	_ = c.Close()

	c, err = Open(path, Options{Blocks: 99})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Device().Blocks() != 8192 {
		t.Fatalf("capacity from file = %d blocks", c.Device().Blocks())
	}
	v, err = fatfs.Mount(c.Device())
	if err != nil {
		t.Fatal(err)
	}
	if b, err := afero.ReadFile(v, "kept.wav"); err != nil || string(b) != "RIFF" {
		t.Fatalf("read back %q err=%v", b, err)
	}
}
