// Command sdprobe brings up the SD card the way the recorder does (SPI
// bus on four pins, card probe, filesystem mount), prints what it found
// and lists the volume. Any failure exits with status 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"audiocode-go/bus"
	"audiocode-go/internal/appconfig"
	"audiocode-go/internal/logging"
	"audiocode-go/services/hal"
	"audiocode-go/types"
	"audiocode-go/x/vfs"
)

const devID = "sd0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sdprobe",
		Short:        "Mount the SD card and list its contents",
		SilenceUsage: true,
		RunE:         run,
	}
	f := cmd.Flags()
	f.String("config", "", "YAML config file")
	f.String("board", "", "board layout (esp32_devkit, pico, rpi)")
	f.String("bus", "", "SPI controller")
	f.Int("miso", -1, "MISO GPIO")
	f.Int("mosi", -1, "MOSI GPIO")
	f.Int("clk", -1, "CLK GPIO")
	f.Int("cs", -1, "CS GPIO")
	f.String("path", "", "mount path")
	f.String("sim-image", "", "image file backing the simulated card")
	f.Duration("timeout", 0, "bring-up timeout")
	return cmd
}

func applyFlags(cmd *cobra.Command, pc *appconfig.ProbeConfig) {
	f := cmd.Flags()
	if v, _ := f.GetString("board"); v != "" {
		pc.Board = v
	}
	if v, _ := f.GetString("bus"); v != "" {
		pc.Bus = v
	}
	for name, dst := range map[string]*int{"miso": &pc.MISO, "mosi": &pc.MOSI, "clk": &pc.CLK, "cs": &pc.CS} {
		if v, _ := f.GetInt(name); v >= 0 {
			*dst = v
		}
	}
	if v, _ := f.GetString("path"); v != "" {
		pc.Path = v
	}
	if v, _ := f.GetString("sim-image"); v != "" {
		pc.SimImage = v
	}
	if v, _ := f.GetDuration("timeout"); v > 0 {
		pc.Timeout = v
	}
}

func run(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := appconfig.Load(path)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg.Probe)
	if err := appconfig.Validate(cfg); err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := bus.NewBus(16)
	ns := vfs.New()
	halOpts := []hal.Option{hal.WithLogger(logger), hal.WithNamespace(ns), hal.WithBoard(cfg.Probe.Board)}
	if cfg.Probe.SimImage != "" {
		halOpts = append(halOpts, hal.WithCardImage(cfg.Probe.SimImage))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hal.Run(gctx, b.NewConnection("hal"), halOpts...) })
	g.Go(func() error {
		defer cancel()
		return probe(gctx, b.NewConnection("sdprobe"), ns, cfg.Probe, cmd.OutOrStdout())
	})
	return g.Wait()
}

func probe(ctx context.Context, conn *bus.Connection, ns *vfs.Namespace, pc appconfig.ProbeConfig, out io.Writer) error {
	base := bus.T("hal", "cap", "storage", string(types.KindSDCard), devID)
	status := conn.Subscribe(base.Append("status"))
	defer conn.Unsubscribe(status)

	conn.Publish(conn.NewMessage(bus.T("config", "hal"), types.HALConfig{
		Board: pc.Board,
		Devices: []types.HALDevice{{
			ID:   devID,
			Type: "sdcard",
			Params: map[string]any{
				"name":    devID,
				"path":    pc.Path,
				"bus":     pc.Bus,
				"freq_hz": pc.FreqHz,
				"pins":    map[string]any{"miso": pc.MISO, "mosi": pc.MOSI, "clk": pc.CLK, "cs": pc.CS},
			},
		}},
	}, true))

	wait, cancel := context.WithTimeout(ctx, pc.Timeout)
	defer cancel()
	for {
		select {
		case <-wait.Done():
			return fmt.Errorf("sdprobe: no card status within %s", pc.Timeout)
		case m, ok := <-status.Channel():
			if !ok {
				return errors.New("sdprobe: status subscription closed")
			}
			st, ok := m.Payload.(types.CapabilityStatus)
			if !ok {
				continue
			}
			if st.Link == types.LinkDown && st.Error == "" {
				continue // registered, not yet initialised
			}
			if st.Link != types.LinkUp {
				fmt.Fprintf(out, "mount failed: %s\n", st.Error)
				return fmt.Errorf("sdprobe: %s", st.Error)
			}
			return report(wait, conn, base, ns, pc.Path, out)
		}
	}
}

func report(ctx context.Context, conn *bus.Connection, base bus.Topic, ns *vfs.Namespace, mount string, out io.Writer) error {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reply, err := conn.RequestWait(rctx, conn.NewMessage(base.Append("control", "info"), nil, false))
	if err != nil {
		return fmt.Errorf("sdprobe: info: %w", err)
	}
	switch v := reply.Payload.(type) {
	case types.StorageInfo:
		fmt.Fprintf(out, "card:     %s\n", v.Card)
		fmt.Fprintf(out, "capacity: %d MiB\n", v.CapacityBytes>>20)
		fmt.Fprintf(out, "bus:      %s (miso=%d mosi=%d clk=%d cs=%d)\n", v.Bus, v.MISO, v.MOSI, v.CLK, v.CS)
		fmt.Fprintf(out, "mounted:  %s\n", v.Path)
	case types.ErrorReply:
		return fmt.Errorf("sdprobe: info: %s", v.Error)
	}

	files, err := ns.Glob(mount + "/**")
	if err != nil {
		return fmt.Errorf("sdprobe: list: %w", err)
	}
	for _, f := range files {
		if f == mount {
			continue
		}
		fmt.Fprintln(out, f)
	}
	n, size, err := ns.Usage(mount)
	if err != nil {
		return fmt.Errorf("sdprobe: usage: %w", err)
	}
	fmt.Fprintf(out, "%d files, %d bytes\n", n, size)
	return nil
}
