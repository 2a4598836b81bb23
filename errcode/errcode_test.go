package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]Code{
		"pin_in_use":          PinInUse,
		"spi_init_failed":     SPIInit,
		"card_absent":         CardAbsent,
		"fs_corrupt":          FSCorrupt,
		"invalid_channel":     InvalidChannel,
		"config_out_of_range": ConfigRange,
	}
	for want, c := range cases {
		if c.Error() != want {
			t.Fatalf("code %q mismatch: got %q", want, c.Error())
		}
	}
}

func TestOfUnwrapsWrappedE(t *testing.T) {
	cause := errors.New("no response")
	err := fmt.Errorf("mount /sdcard: %w", Wrap(CardAbsent, "sdcard.probe", cause))

	if got := Of(err); got != CardAbsent {
		t.Fatalf("Of = %q, want %q", got, CardAbsent)
	}
	if !errors.Is(err, CardAbsent) {
		t.Fatal("errors.Is should match the code")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
}

func TestOfDefaults(t *testing.T) {
	if Of(nil) != OK {
		t.Fatal("nil should map to ok")
	}
	if Of(errors.New("x")) != Error {
		t.Fatal("plain error should map to error")
	}
	if Of(PinInUse) != PinInUse {
		t.Fatal("bare code should map to itself")
	}
	if MapDriverErr(errors.New("bus fault")) != IOError {
		t.Fatal("unknown driver error should map to io_error")
	}
}

func TestEErrorFormat(t *testing.T) {
	e := &E{C: FSCorrupt, Op: "sdcard.mount", Msg: "no boot signature"}
	if got, want := e.Error(), "sdcard.mount: fs_corrupt: no boot signature"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
