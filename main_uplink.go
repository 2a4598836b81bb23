//go:build !tinygo

package main

import (
	"context"
	"log/slog"

	"audiocode-go/bus"
	"audiocode-go/services/uplink"
	"audiocode-go/x/vfs"
)

func boot() {}

func startUplink(ctx context.Context, conn *bus.Connection, log *slog.Logger) {
	go uplink.Start(ctx, conn, uplink.Options{VFS: vfs.Default, Logger: log})
}
