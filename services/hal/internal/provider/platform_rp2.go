//go:build rp2040

package provider

import (
	"io"

	"audiocode-go/services/hal/internal/core"
	"audiocode-go/services/hal/internal/provider/rp2"
)

const platformName = "rp2040"

func newPlatform(Options) (core.Platform, error) { return rp2.New(), nil }

func console(baud uint32) io.Writer { return rp2.Console(baud) }
