//go:build !rp2040 && !(linux && periph)

package provider

import (
	"fmt"
	"io"
	"os"

	"audiocode-go/drivers/sdspi/sdsim"
	"audiocode-go/services/hal/internal/boards"
	"audiocode-go/services/hal/internal/core"
	"audiocode-go/services/hal/internal/provider/sim"
)

const platformName = "sim"

// simCard is the default simulated card: 16 MiB, FAT16.
var simCard = sdsim.Options{Blocks: 32768}

func newPlatform(o Options) (core.Platform, error) {
	b, err := boardOr(o.Board, boards.ESP32DevKit)
	if err != nil {
		return nil, err
	}
	p := sim.New(sim.Options{Board: b, Realtime: o.Realtime})
	cards := o.Cards
	if len(cards) == 0 {
		bus := core.ResourceID("spi3")
		if !b.HasSPI(string(bus)) && len(b.SPI) > 0 {
			bus = core.ResourceID(b.SPI[len(b.SPI)-1])
		}
		var card *sdsim.Card
		if o.CardImage == "" {
			card = sdsim.New(simCard)
		} else if card, err = sdsim.Open(o.CardImage, simCard); err != nil {
			return nil, fmt.Errorf("card image: %w", err)
		}
		cards = []SimCard{{Bus: bus, CS: core.DefaultSPIPins.CS, Card: card}}
	}
	for _, c := range cards {
		p.AttachCard(c.Bus, c.CS, c.Card)
	}
	return p, nil
}

func console(uint32) io.Writer { return os.Stderr }
