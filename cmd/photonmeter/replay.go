package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/photonmeter/internal/capture"
	"github.com/energizer-project/photonmeter/internal/cli"
	"github.com/energizer-project/photonmeter/internal/config"
)

var (
	replayPort int
	replaySave bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Meter a pcap or pcapng capture file, optionally zstd-compressed",
	Long: `Replay a capture file through the meter and print the archived encounters.

All timing follows the packet timestamps, so a replay produces the same
encounters regardless of how fast the file is read.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := checkConfig(cfg); err != nil {
			return err
		}
		if !cmd.Flags().Changed("port") {
			replayPort = cfg.GetCapture().Port
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runReplay(ctx, cfg, args[0], replayPort, replaySave, os.Stdout)
	},
}

func init() {
	replayCmd.Flags().IntVarP(&replayPort, "port", "p", config.DefaultGamePort, "game server UDP port, 0 accepts every datagram")
	replayCmd.Flags().BoolVar(&replaySave, "save", false, "persist archived encounters to the history store")
}

func runReplay(ctx context.Context, cfg *config.Config, path string, port int, save bool, out io.Writer) error {
	src, err := capture.OpenFile(path, port)
	if err != nil {
		return err
	}
	defer src.Close()

	p, err := newPipeline(cfg, 0, save)
	if err != nil {
		return err
	}
	defer p.Close()

	started := time.Now()
	runErr := p.engine.Run(ctx, src)
	p.persistHistory()

	report := p.stats.Report(time.Now(), cfg.Health.Thresholds())
	log.Info().
		Str("file", path).
		Dur("elapsed", time.Since(started)).
		Uint64("packets", report.Packets).
		Msg("replay finished")

	history := p.engine.History(0)
	if len(history) == 0 {
		fmt.Fprintln(out, "No encounters archived.")
	} else {
		cli.RenderHistory(out, history)
		cli.RenderEntry(out, history[0])
	}
	cli.RenderHealth(out, report)

	if runErr != nil {
		return fmt.Errorf("replay failed: %w", runErr)
	}
	return nil
}
