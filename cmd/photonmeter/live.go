package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/photonmeter/internal/api"
	"github.com/energizer-project/photonmeter/internal/board"
	"github.com/energizer-project/photonmeter/internal/capture"
	"github.com/energizer-project/photonmeter/internal/cli"
	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/scheduler"
	"github.com/energizer-project/photonmeter/internal/telemetry"
	"github.com/energizer-project/photonmeter/internal/util"
)

const wallTick = time.Second

var (
	liveInterface string
	liveNoConsole bool
	liveDebug     bool
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Meter traffic captured from a network interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf(Banner, util.Version)
		fmt.Println()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := checkConfig(cfg); err != nil {
			return err
		}
		return runLive(cfg)
	},
}

func init() {
	liveCmd.Flags().StringVarP(&liveInterface, "interface", "i", "", "capture interface (overrides config)")
	liveCmd.Flags().BoolVar(&liveNoConsole, "no-console", false, "disable the interactive console")
	liveCmd.Flags().BoolVar(&liveDebug, "debug", false, "run the API router in debug mode")
}

func runLive(cfg *config.Config) error {
	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting photonmeter")

	capCfg := cfg.GetCapture()
	if liveInterface != "" {
		capCfg.Interface = liveInterface
	}
	src, err := capture.OpenLive(capture.LiveOptions{
		Interface:   capCfg.Interface,
		Port:        capCfg.Port,
		Snaplen:     capCfg.Snaplen,
		Promiscuous: capCfg.Promiscuous,
		Filter:      capCfg.Filter,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	p, err := newPipeline(cfg, wallTick, true)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.bus.Subscribe(events.EventShutdown, "main", 1, func(context.Context, events.Event) error {
		log.Info().Msg("shutdown requested")
		stop()
		return nil
	})

	brd := board.NewBoard(cfg.GetMeter().HistoryLimit, p.stats, cfg.Health.Thresholds())
	brd.Attach(p.bus)
	if p.store != nil {
		if recent, err := p.store.Recent(brd.Limit()); err != nil {
			log.Warn().Err(err).Msg("failed to load stored history")
		} else {
			brd.Seed(recent)
		}
		p.store.Attach(p.bus)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("interface", capCfg.Interface).Int("port", capCfg.Port).Msg("starting capture")
		return p.engine.Run(gctx, src)
	})

	if cfg.API.Enabled {
		stream := api.NewStream(cfg.API.AllowedOrigins)
		stream.Attach(p.bus)
		defer stream.Close()

		if liveDebug {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		deps := api.Deps{
			Reader:     brd,
			Controller: p.engine,
			Settings:   cfg,
			Stream:     stream,
		}
		if p.store != nil {
			deps.Store = p.store
		}
		srv := api.NewServer(cfg.API, deps, liveDebug)
		g.Go(func() error {
			if err := startWithRetry(gctx, "API server", srv.Start, 5); err != nil && gctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, p.bus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
				return nil
			})
		}
	}

	checker := p.checker()
	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})

	if p.store != nil {
		sched := scheduler.NewScheduler(scheduler.Config{
			Retention:     time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
			PruneInterval: time.Duration(cfg.Storage.PruneIntervalMinute) * time.Minute,
			LogDir:        cfg.Logging.Directory,
		}, p.store)
		g.Go(func() error {
			sched.Start(gctx)
			return nil
		})
	}

	if !liveNoConsole {
		console := cli.NewCLI(brd, p.engine, cfg, p.bus, os.Stdin, os.Stdout)
		g.Go(func() error {
			console.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	p.persistHistory()
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	log.Info().Msg("photonmeter stopped")
	return nil
}
