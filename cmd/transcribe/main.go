// Command transcribe sends recordings to the Gemini API and writes each
// transcript as a .txt file, printing "Transcribed: a.wav -> a.txt". The
// API key is read from GOOGLE_API_KEY (or AUDIOCODE_TRANSCRIBE_API_KEY).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"audiocode-go/audio"
	"audiocode-go/internal/appconfig"
	"audiocode-go/internal/logging"
	"audiocode-go/internal/transcribe"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "transcribe <recording>...",
		Short:        "Transcribe recordings to text",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE:         run,
	}
	f := cmd.Flags()
	f.String("config", "", "YAML config file")
	f.String("out-dir", "", "directory for transcripts (default: next to each recording)")
	f.String("model", "", "Gemini model name")
	f.String("log-level", "", "debug, info, warn or error")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := appconfig.Load(path)
	if err != nil {
		return err
	}
	tc := cfg.Transcribe
	if v, _ := cmd.Flags().GetString("out-dir"); v != "" {
		tc.OutDir = v
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		tc.Model = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logger.Level = v
	}
	if err := appconfig.ValidateTranscribe(tc); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := transcribe.NewGemini(tc, logger)
	format := audio.Format{SampleRate: cfg.Convert.SampleRate, Channels: cfg.Convert.Channels, BitDepth: 16}
	fs := afero.NewOsFs()
	out := cmd.OutOrStdout()
	var errs []error
	for _, p := range args {
		txt, err := transcribe.File(ctx, fs, g, p, tc.OutDir, format)
		if err != nil {
			logger.Error("transcription failed", "file", p, "err", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Fprintf(out, "Transcribed: %s -> %s\n", p, txt)
	}
	return errors.Join(errs...)
}
