//go:build tinygo

package main

import (
	"context"
	"log/slog"
	"time"

	"audiocode-go/bus"
)

// boot gives USB CDC time to enumerate before the first log line.
func boot() { time.Sleep(2 * time.Second) }

// Microcontroller builds have no network stack; recordings stay on the card.
func startUplink(_ context.Context, _ *bus.Connection, log *slog.Logger) {
	log.Info("uplink disabled on this target")
}
