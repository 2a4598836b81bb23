// Command recvd receives PCM uploads from recorders and stores them under
// a recordings directory.
//
// Logging:
//   - Base logger is created here from the config file and flags
//   - Logger is passed to the receiver via dependency injection
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"audiocode-go/audio"
	"audiocode-go/internal/appconfig"
	"audiocode-go/internal/logging"
	"audiocode-go/internal/receiver"
	"audiocode-go/internal/recordings"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recvd",
		Short:         "Receive audio uploads over HTTP",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	f := cmd.Flags()
	f.String("config", "", "YAML config file")
	f.String("addr", "", "listen address (default :8000)")
	f.String("dir", "", "recordings directory")
	f.Int64("max-bytes", 0, "maximum decoded upload size")
	f.Float64("rate", -1, "uploads per second per client IP (0 disables)")
	f.Bool("convert", false, "also write a .wav next to each upload")
	f.String("log-level", "", "debug, info, warn or error")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := appconfig.Load(path)
	if err != nil {
		return err
	}
	rc := &cfg.Receiver
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		rc.Addr = v
	}
	if v, _ := cmd.Flags().GetString("dir"); v != "" {
		rc.Dir = v
	}
	if v, _ := cmd.Flags().GetInt64("max-bytes"); v > 0 {
		rc.MaxBytes = v
	}
	if v, _ := cmd.Flags().GetFloat64("rate"); v >= 0 {
		rc.RatePerSec = v
	}
	if v, _ := cmd.Flags().GetBool("convert"); v {
		rc.Convert = true
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logger.Level = v
	}

	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := recordings.NewStore(afero.NewOsFs(), rc.Dir)
	if err != nil {
		return err
	}
	srv, err := receiver.New(receiver.Options{
		Store:      store,
		MaxBytes:   rc.MaxBytes,
		RatePerSec: rc.RatePerSec,
		Burst:      rc.Burst,
		Convert:    rc.Convert,
		Format:     audio.Format{SampleRate: cfg.Convert.SampleRate, Channels: cfg.Convert.Channels, BitDepth: 16},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx, rc.Addr, rc.ShutdownTimeout); err != nil {
		return fmt.Errorf("recvd: %w", err)
	}
	logger.Info("recvd stopped")
	return nil
}
