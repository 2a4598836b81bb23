// Package adcmic samples an analogue microphone on an ADC channel.
package adcmic

import (
	"context"
	"sync"

	"audiocode-go/audio"
	"audiocode-go/errcode"
	"audiocode-go/services/hal/internal/core"
)

// Ensure Sampler satisfies the contract at compile time.
var _ audio.SampleSource = (*Sampler)(nil)

// Sampler owns one ADC channel. A worker reads blocks of 12-bit codes at the
// configured rate, centres and scales them to int16, and queues them in a
// ring that Read drains.
type Sampler struct {
	*audio.RingSource

	reg           core.ResourceRegistry
	devID         string
	unit, channel int
	adc           core.ADCChannel
	cfg           audio.Config

	closeOnce sync.Once
}

// Open validates cfg and claims (unit, channel).
func Open(reg core.ResourceRegistry, devID string, unit, channel int, cfg audio.Config) (*Sampler, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	adc, err := reg.ClaimADC(devID, unit, channel)
	if err != nil {
		return nil, &errcode.E{C: errcode.Of(err), Op: "adcmic.open", Err: err}
	}
	s := &Sampler{reg: reg, devID: devID, unit: unit, channel: channel, adc: adc, cfg: cfg}
	raw := make([]uint16, cfg.BlockSamples)
	s.RingSource = audio.NewRingSource(cfg.Format(), audio.RingOptions{
		BlockSamples: cfg.BlockSamples,
		Prepare: func() error {
			if err := adc.Configure(cfg.SampleRate, cfg.AttenuationDB); err != nil {
				return &errcode.E{C: errcode.Of(err), Op: "adcmic.configure", Err: err}
			}
			return nil
		},
	}, func(_ context.Context, dst []int16) (int, error) {
		buf := raw[:len(dst)]
		if err := adc.Read(buf); err != nil {
			return 0, err
		}
		for i, v := range buf {
			dst[i] = audio.FromADC12(v)
		}
		return len(buf), nil
	})
	return s, nil
}

func (s *Sampler) Config() audio.Config { return s.cfg }

// GPIO is the pin the channel samples.
func (s *Sampler) GPIO() int { return s.adc.GPIO() }

// Close stops sampling and releases the channel.
func (s *Sampler) Close() error {
	err := s.RingSource.Close()
	s.closeOnce.Do(func() { s.reg.ReleaseADC(s.devID, s.unit, s.channel) })
	return err
}
