// Command audiocode-go is the recorder firmware: it publishes the embedded
// device config, runs the HAL, and starts the recorder, uplink and
// heartbeat services on one in-process bus.
//
// The device document is chosen by deviceID, set at link time with
// -ldflags "-X main.deviceID=esp32_recorder", or by platform otherwise.
package main

import (
	"context"

	"audiocode-go/bus"
	"audiocode-go/internal/logging"
	"audiocode-go/services/config"
	"audiocode-go/services/hal"
	"audiocode-go/services/heartbeat"
	"audiocode-go/services/recorder"
	"audiocode-go/x/vfs"
)

var deviceID = ""

var platformDevice = map[string]string{
	"sim":    "sim",
	"rp2040": "pico_recorder",
	"linux":  "rpi_recorder",
}

const consoleBaud = 115200

func main() {
	boot()
	log := logging.NewWriter(hal.Console(consoleBaud), logging.Config{Level: "info"})

	id := deviceID
	if id == "" {
		id = platformDevice[hal.Platform()]
	}
	log.Info("boot", "device", id, "platform", hal.Platform())

	ctx := context.WithValue(context.Background(), config.CtxDeviceKey, id)
	b := bus.NewBus(16)

	go func() {
		if err := hal.Run(ctx, b.NewConnection("hal"), hal.WithLogger(log), hal.WithNamespace(vfs.Default)); err != nil {
			log.Error("hal stopped", "err", err)
		}
	}()
	go recorder.New(b.NewConnection("recorder"), recorder.Options{VFS: vfs.Default, Logger: log}).Run(ctx)
	startUplink(ctx, b.NewConnection("uplink"), log)
	hb := &heartbeat.Service{VFS: vfs.Default, Logger: log}
	if err := hb.Start(ctx, b.NewConnection("heartbeat")); err != nil {
		log.Error("heartbeat not started", "err", err)
	}

	// Config goes out last; every key is retained so late subscribers see it too.
	config.NewConfigService(log).Start(ctx, b.NewConnection("config"))

	<-ctx.Done()
}
