// Package provider selects the hardware platform for the build: the host
// simulation by default, the RP2040 under the rp2040 tag, and periph.io on
// Linux under the periph tag.
package provider

import (
	"fmt"
	"io"

	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/services/hal/internal/boards"
	"audiocode-go/services/hal/internal/core"
)

// Options apply to whichever platform is built in; fields a platform has
// no use for are ignored.
type Options struct {
	// Board names the board layout; empty selects the platform default.
	Board string
	// CardImage is a host file holding the simulated card's blocks; it is
	// created and formatted when missing (sim only).
	CardImage string
	// Cards are simulated SD cards, keyed by SPI bus (sim only).
	Cards []SimCard
	// Realtime paces simulated ADC reads (sim only).
	Realtime bool
}

type SimCard struct {
	Bus  core.ResourceID
	CS   int
	Card *sdsim.Card
}

// Console returns the platform's log output: UART0 on the RP2040, stderr
// elsewhere.
func Console(baud uint32) io.Writer { return console(baud) }

// Name reports the platform compiled in.
func Name() string { return platformName }

// New builds the platform and wraps it in an ownership registry.
func New(o Options) (*core.Registry, error) {
	p, err := newPlatform(o)
	if err != nil {
		return nil, err
	}
	return core.NewRegistry(p), nil
}

func boardOr(name string, def boards.Board) (boards.Board, error) {
	if name == "" {
		return def, nil
	}
	b, ok := boards.ByName(name)
	if !ok {
		return boards.Board{}, fmt.Errorf("unknown board %q", name)
	}
	return b, nil
}
