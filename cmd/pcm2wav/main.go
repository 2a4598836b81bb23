// Command pcm2wav wraps every raw PCM recording in a folder in a WAV
// container, printing "Converted: a.pcm -> a.wav" per file. With --watch
// it keeps converting new uploads until interrupted.
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
	"audiocode-go/internal/recordings"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pcm2wav [dir]",
		Short:        "Convert raw PCM recordings to WAV",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
	f := cmd.Flags()
	f.String("config", "", "YAML config file")
	f.Int("rate", 0, "sample rate in Hz (default 16000)")
	f.Int("channels", 0, "channel count (default 1)")
	f.Bool("watch", false, "keep running and convert new files")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := appconfig.Load(path)
	if err != nil {
		return err
	}
	cc := cfg.Convert
	if len(args) == 1 {
		cc.Dir = args[0]
	}
	if v, _ := cmd.Flags().GetInt("rate"); v > 0 {
		cc.SampleRate = v
	}
	if v, _ := cmd.Flags().GetInt("channels"); v > 0 {
		cc.Channels = v
	}
	cfg.Convert = cc
	if err := appconfig.Validate(cfg); err != nil {
		return err
	}
	format := audio.Format{SampleRate: cc.SampleRate, Channels: cc.Channels, BitDepth: 16}

	n, err := recordings.ConvertAll(afero.NewOsFs(), cc.Dir, format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no .pcm files in %s\n", cc.Dir)
	}

	if watch, _ := cmd.Flags().GetBool("watch"); !watch {
		return nil
	}
	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	return recordings.Watch(ctx, cc.Dir, recordings.WatchOptions{
		Format: format,
		Logger: logger,
		OnConverted: func(pcmPath, wavPath string) {
			fmt.Fprintf(out, "Converted: %s -> %s\n", pcmPath, wavPath)
		},
	})
}
