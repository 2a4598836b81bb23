package adcmic

import (
	"context"

	"audiocode-go/audio"
	"audiocode-go/services/hal/devices/internal/miccap"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/types"
)

func init() { core.RegisterBuilder("adc_mic", builder{}) }

type Params struct {
	Name          string  `yaml:"name"`
	Domain        string  `yaml:"domain"`
	Unit          int     `yaml:"unit"`
	Channel       int     `yaml:"channel"`
	SampleRate    int     `yaml:"sample_rate"`
	BitDepth      int     `yaml:"bit_depth"`
	BlockSamples  int     `yaml:"block_samples"`
	AttenuationDB float32 `yaml:"attenuation_db"`
	RingSize      int     `yaml:"ring_size"`
}

func (p Params) Config() audio.Config {
	return audio.Config{
		SampleRate:    p.SampleRate,
		BitDepth:      p.BitDepth,
		BlockSamples:  p.BlockSamples,
		AttenuationDB: p.AttenuationDB,
	}.WithDefaults()
}

type builder struct{}

func (builder) Build(_ context.Context, in core.BuilderInput) (core.Device, error) {
	p, err := core.DecodeParams[Params](in.Params)
	if err != nil {
		return nil, err
	}
	cfg := p.Config()
	info := types.MicInfo{
		Source:        "adc",
		Unit:          p.Unit,
		Channel:       p.Channel,
		SampleRate:    cfg.SampleRate,
		BitDepth:      cfg.BitDepth,
		BlockSamples:  cfg.BlockSamples,
		AttenuationDB: cfg.AttenuationDB,
	}
	if gpio, ok := in.Res.Reg.Board().ADCPin(p.Unit, p.Channel); ok {
		info.GPIO = gpio
	}
	return miccap.New(miccap.Config{
		ID:       in.ID,
		Domain:   p.Domain,
		Name:     p.Name,
		Driver:   "adc_mic",
		Info:     info,
		RingSize: p.RingSize,
		Res:      in.Res,
		Open: func(context.Context) (miccap.Source, error) {
			return Open(in.Res.Reg, in.ID, p.Unit, p.Channel, cfg)
		},
	}), nil
}
