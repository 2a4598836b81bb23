// Package audio holds the sample-source contract shared by microphone
// devices and their consumers, the ADC sampler configuration, and the
// PCM/WAV helpers used on both the device and the host.
package audio

import (
	"context"
	"fmt"

	"audiocode-go/errcode"
	"audiocode-go/x/mathx"
)

// Format describes interleaved signed PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// BytesPerSecond for a byte-oriented stream of this format.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * f.BitDepth / 8 }

// SampleSource is any producer of PCM samples. A source is started once,
// drained with Read, and stopped; Read blocks until at least one sample is
// available, the source stops (io.EOF), or Stop/Close is called.
type SampleSource interface {
	Format() Format
	Start(ctx context.Context) error
	Read(dst []int16) (int, error)
	Stop() error
	Close() error
}

// Attenuation settings supported by the ESP32 ADC front end, in dB.
var attenuations = []float32{0, 2.5, 6, 11}

// Config is the sampler configuration handed to an ADC source.
type Config struct {
	SampleRate    int     `json:"sample_rate" yaml:"sample_rate"`
	BitDepth      int     `json:"bit_depth" yaml:"bit_depth"`
	BlockSamples  int     `json:"block_samples" yaml:"block_samples"` // samples per hardware read
	AttenuationDB float32 `json:"attenuation_db" yaml:"attenuation_db"`
}

const (
	MinSampleRate = 1000
	MaxSampleRate = 48000
)

// DefaultConfig matches the recorder firmware: 16 kHz, 16-bit, 512-sample
// blocks, 11 dB attenuation (full 0..3.3 V range).
func DefaultConfig() Config {
	return Config{SampleRate: 16000, BitDepth: 16, BlockSamples: 512, AttenuationDB: 11}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.BitDepth == 0 {
		c.BitDepth = d.BitDepth
	}
	if c.BlockSamples == 0 {
		c.BlockSamples = d.BlockSamples
	}
	return c
}

// Validate reports errcode.ConfigRange for any unsupported value.
func (c Config) Validate() error {
	const op = "audio.config"
	switch {
	case !mathx.Between(c.SampleRate, MinSampleRate, MaxSampleRate):
		return &errcode.E{C: errcode.ConfigRange, Op: op, Msg: fmt.Sprintf("sample_rate %d", c.SampleRate)}
	case c.BitDepth != 16:
		return &errcode.E{C: errcode.ConfigRange, Op: op, Msg: fmt.Sprintf("bit_depth %d", c.BitDepth)}
	case !mathx.Between(c.BlockSamples, 64, 8192) || c.BlockSamples&(c.BlockSamples-1) != 0:
		return &errcode.E{C: errcode.ConfigRange, Op: op, Msg: fmt.Sprintf("block_samples %d", c.BlockSamples)}
	}
	for _, a := range attenuations {
		if a == c.AttenuationDB {
			return nil
		}
	}
	return &errcode.E{C: errcode.ConfigRange, Op: op, Msg: fmt.Sprintf("attenuation %.1f dB", c.AttenuationDB)}
}

// Format is the PCM format a source with this config produces.
func (c Config) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: 1, BitDepth: c.BitDepth}
}
