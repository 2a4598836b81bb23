package audio

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"audiocode-go/errcode"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	f := c.Format()
	if f.SampleRate != 16000 || f.Channels != 1 || f.BitDepth != 16 {
		t.Fatalf("format = %+v", f)
	}
	if f.BytesPerSecond() != 32000 {
		t.Fatalf("bytes/s = %d", f.BytesPerSecond())
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := map[string]func(*Config){
		"rate low":    func(c *Config) { c.SampleRate = 999 },
		"rate high":   func(c *Config) { c.SampleRate = 48001 },
		"bit depth":   func(c *Config) { c.BitDepth = 24 },
		"block npow2": func(c *Config) { c.BlockSamples = 500 },
		"block small": func(c *Config) { c.BlockSamples = 32 },
		"attenuation": func(c *Config) { c.AttenuationDB = 3 },
	}
	for name, mut := range cases {
		c := DefaultConfig()
		mut(&c)
		err := c.Validate()
		if !errors.Is(err, errcode.ConfigRange) {
			t.Fatalf("%s: err = %v, want config_out_of_range", name, err)
		}
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	c := Config{SampleRate: 8000}.WithDefaults()
	if c.SampleRate != 8000 || c.BitDepth != 16 || c.BlockSamples != 512 {
		t.Fatalf("got %+v", c)
	}
}

func TestFromADC12(t *testing.T) {
	cases := []struct {
		raw  uint16
		want int16
	}{
		{0, -32768},
		{2048, 0},
		{4095, 32752},
		{2049, 16},
		{0xFFFF, 32767}, // out-of-range code clamps
	}
	for _, c := range cases {
		if got := FromADC12(c.raw); got != c.want {
			t.Fatalf("FromADC12(%d) = %d, want %d", c.raw, got, c.want)
		}
	}
	if got := FromADC16(2048 << 4); got != 0 {
		t.Fatalf("FromADC16 midpoint = %d", got)
	}
}

func TestPCMEncoding(t *testing.T) {
	b := EncodePCM([]int16{1, -2, 0x1234})
	want := []byte{0x01, 0x00, 0xFE, 0xFF, 0x34, 0x12}
	if string(b) != string(want) {
		t.Fatalf("EncodePCM = % x", b)
	}
	dst := make([]int16, 8)
	if n := DecodePCM(dst, append(b, 0x7f)); n != 3 || dst[1] != -2 {
		t.Fatalf("DecodePCM n=%d dst=%v", n, dst[:n])
	}
}

func TestWAVRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := fs.Create("recording.wav")
	if err != nil {
		t.Fatal(err)
	}
	in := []int16{0, 1000, -1000, 32767, -32768}
	w := NewWAVWriter(f, Format{SampleRate: 8000, Channels: 1, BitDepth: 16})
	if err := w.Write(in[:2]); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePCM(EncodePCM(in[2:])); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if w.Samples() != len(in) {
		t.Fatalf("samples = %d", w.Samples())
	}
	st, _ := f.Stat()
	if st.Size() != 44+int64(2*len(in)) {
		t.Fatalf("file size = %d, want 44-byte header + data", st.Size())
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	fm, out, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if fm.SampleRate != 8000 || fm.Channels != 1 || fm.BitDepth != 16 {
		t.Fatalf("format = %+v", fm)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d", len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	_, _, err := ReadWAV(strings.NewReader("not a riff file at all, just text"))
	if !errors.Is(err, ErrNotWAV) {
		t.Fatalf("err = %v", err)
	}
}
