//go:build linux && periph

package provider

import (
	"io"
	"os"

	"audiocode-go/services/hal/internal/boards"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/services/hal/internal/provider/linux"
)

const platformName = "linux"

func newPlatform(o Options) (core.Platform, error) {
	b, err := boardOr(o.Board, boards.RaspberryPi)
	if err != nil {
		return nil, err
	}
	return linux.New(b)
}

func console(uint32) io.Writer { return os.Stderr }
