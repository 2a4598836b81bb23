// Package hal is the public entry point of the hardware abstraction layer.
// It builds the platform selected at compile time, registers the device
// builders and runs the HAL loop on the bus until ctx ends.
package hal

import (
	"context"
	"io"
	"log/slog"

	"audiocode-go/bus"
	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/internal/logging"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/services/hal/internal/provider"
	"audiocode-go/x/vfs"

	// Device builders register themselves in init.
	_ "audiocode-go/services/hal/devices/adcmic"
	_ "audiocode-go/services/hal/devices/gpio_button"
	_ "audiocode-go/services/hal/devices/led"
	_ "audiocode-go/services/hal/devices/sdcard"
	_ "audiocode-go/services/hal/devices/wavsource"
)

type options struct {
	logger   *slog.Logger
	ns       *vfs.Namespace
	platform provider.Options
}

type Option func(*options)

// WithLogger sets the logger; the default discards.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithNamespace mounts volumes into ns instead of vfs.Default.
func WithNamespace(ns *vfs.Namespace) Option { return func(o *options) { o.ns = ns } }

// WithBoard selects a board layout by name ("esp32_devkit", "pico", "rpi").
func WithBoard(name string) Option { return func(o *options) { o.platform.Board = name } }

// WithCardImage backs the simulated card with an image file at path,
// created and formatted FAT when missing.
func WithCardImage(path string) Option { return func(o *options) { o.platform.CardImage = path } }

// WithSimCard attaches a simulated SD card on bus, selected by GPIO cs.
// Only the host simulation uses it.
func WithSimCard(bus string, cs int, card *sdsim.Card) Option {
	return func(o *options) {
		o.platform.Cards = append(o.platform.Cards, provider.SimCard{Bus: core.ResourceID(bus), CS: cs, Card: card})
	}
}

// WithRealtime paces simulated sampling at the configured rate.
func WithRealtime() Option { return func(o *options) { o.platform.Realtime = true } }

// Platform reports the platform compiled into this binary.
func Platform() string { return provider.Name() }

// Console is the log writer for this platform (UART0 on the RP2040).
func Console(baud uint32) io.Writer { return provider.Console(baud) }

// Run serves the HAL on conn until ctx is cancelled. It returns an error
// only when the platform cannot be brought up.
func Run(ctx context.Context, conn *bus.Connection, opts ...Option) error {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := logging.Default(o.logger)
	reg, err := provider.New(o.platform)
	if err != nil {
		log.Error("platform init failed", "platform", provider.Name(), "err", err)
		return err
	}
	defer reg.Close()
	log.Info("hal starting", "platform", provider.Name(), "board", reg.Board().Name)
	core.NewHAL(conn, reg, o.ns, log).Run(ctx)
	return nil
}
