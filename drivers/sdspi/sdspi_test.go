package sdspi_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"audiocode-go/drivers/sdspi"
	"audiocode-go/drivers/sdspi/sdsim"
)

func newCard(o sdsim.Options) (*sdspi.Card, *sdsim.Card) {
	sim := sdsim.New(o)
	return sdspi.New(sim, sim.CS(), sdspi.Config{InitTimeout: 30 * time.Millisecond}), sim
}

func TestInitSDHC(t *testing.T) {
	card, sim := newCard(sdsim.Options{Blocks: 16384})
	if err := card.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if card.Kind() != sdspi.KindSDHC {
		t.Fatalf("kind = %v", card.Kind())
	}
	if card.Blocks() != 16384 || card.CapacityBytes() != 16384*512 {
		t.Fatalf("blocks = %d", card.Blocks())
	}
	if sim.Frequency() != 20_000_000 {
		t.Fatalf("bus left at %d Hz", sim.Frequency())
	}
	// Identification order: CMD0, CMD8, then ACMD41 (CMD55+CMD41), CMD58, CMD9.
	want := []byte{0, 8, 55, 41}
	if !bytes.HasPrefix(sim.Commands, want) {
		t.Fatalf("command sequence = %v", sim.Commands)
	}
	if !bytes.Contains(sim.Commands, []byte{58}) || bytes.Contains(sim.Commands, []byte{16}) {
		t.Fatalf("SDHC should read OCR and skip CMD16: %v", sim.Commands)
	}
}

func TestInitLegacyCards(t *testing.T) {
	card, sim := newCard(sdsim.Options{V1: true})
	if err := card.Init(); err != nil {
		t.Fatalf("v1 Init: %v", err)
	}
	if card.Kind() != sdspi.KindSDv1 || card.Blocks() != 8192 {
		t.Fatalf("v1 kind=%v blocks=%d", card.Kind(), card.Blocks())
	}
	if !bytes.Contains(sim.Commands, []byte{16}) {
		t.Fatal("byte-addressed card needs CMD16")
	}

	card, _ = newCard(sdsim.Options{SDSC: true})
	if err := card.Init(); err != nil {
		t.Fatalf("sdsc Init: %v", err)
	}
	if card.Kind() != sdspi.KindSDv2 {
		t.Fatalf("sdsc kind = %v", card.Kind())
	}
}

func TestInitFailures(t *testing.T) {
	cases := []struct {
		name string
		opts sdsim.Options
		want error
	}{
		{"absent", sdsim.Options{Absent: true}, sdspi.ErrNoCard},
		{"voltage", sdsim.Options{BadVoltage: true}, sdspi.ErrVoltage},
		{"never ready", sdsim.Options{NeverReady: true}, sdspi.ErrInitTimeout},
	}
	for _, c := range cases {
		card, _ := newCard(c.opts)
		if err := card.Init(); !errors.Is(err, c.want) {
			t.Fatalf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
}

func TestReadWriteBlocks(t *testing.T) {
	for _, o := range []sdsim.Options{{}, {SDSC: true}} {
		card, sim := newCard(o)
		if err := card.Init(); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, sdspi.BlockSize)
		if err := card.ReadBlock(0, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if buf[510] != 0x55 || buf[511] != 0xAA {
			t.Fatal("boot signature missing from sector 0")
		}

		blk := bytes.Repeat([]byte{0xA5, 0x5A}, sdspi.BlockSize/2)
		if err := card.WriteBlock(7, blk); err != nil {
			t.Fatalf("write: %v", err)
		}
		if !bytes.Equal(sim.Image()[7*512:8*512], blk) {
			t.Fatal("block not stored in image")
		}
		got := make([]byte, sdspi.BlockSize)
		if err := card.ReadBlock(7, got); err != nil || !bytes.Equal(got, blk) {
			t.Fatalf("read back mismatch: %v", err)
		}

		if err := card.ReadBlock(card.Blocks(), got); !errors.Is(err, sdspi.ErrRange) {
			t.Fatalf("out of range read err = %v", err)
		}
	}
}

func TestBlockIOBeforeInit(t *testing.T) {
	card, _ := newCard(sdsim.Options{})
	if err := card.ReadBlock(0, make([]byte, 512)); !errors.Is(err, sdspi.ErrNotReady) {
		t.Fatalf("err = %v", err)
	}
}
