package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/PipeScope/internal/api"
	"github.com/bryanchriswhite/PipeScope/internal/camera"
	"github.com/bryanchriswhite/PipeScope/internal/config"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PipeScope server",
	Long: `Start the PipeScope HTTP server.

The server exposes registered graphs, player lifecycle, override resolution,
websocket player events and Prometheus metrics. The config file is watched:
overrides changed on disk apply to every graph built afterwards.`,
	Example: `  # Start server on default port (8080)
  pipescope serve

  # Start server on custom port with two players
  pipescope serve --port 9090 --source ./a.mp4 --source ./b.ogg

  # Start with a test pattern camera and debug logging
  pipescope serve --camera --log-level debug`,
	RunE: runServe,
}

var (
	servePort    int
	serveSources []string
	serveCamera  bool
)

const configDebounce = 200 * time.Millisecond

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default is server_port from the config)")
	serveCmd.Flags().StringSliceVar(&serveSources, "source", nil, "create a player for this source (repeatable)")
	serveCmd.Flags().BoolVar(&serveCamera, "camera", false, "expose a test pattern camera")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	if servePort > 0 {
		cfg.ServerPort = servePort
	}

	log := logger.WithComponent("cli")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("engine", cfg.Engine).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := newRuntime(configMgr, promReg)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	server := api.NewServer(api.Options{Player: rt.playerOptions(), Gatherer: promReg})
	defer server.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, source := range serveSources {
		p, err := newPlayer(ctx, rt)
		if p == nil {
			return err
		}
		server.AddPlayer(p)
		if err != nil {
			// the player stays listed with its construction error
			log.Warn().Err(err).Str("player", p.ID()).Msg("Player graph failed to build")
			continue
		}
		if err := p.SetSource(ctx, source); err != nil {
			return fmt.Errorf("failed to set source %s: %w", source, err)
		}
		log.Info().Str("player", p.ID()).Str("source", source).Msg("Player created")
	}

	if serveCamera {
		cam, err := camera.NewGraphCamera(rt.cameraOptions(camera.TestPatternDevice(), nil))
		if err != nil {
			return fmt.Errorf("failed to create camera: %w", err)
		}
		server.AddCamera(cam)
		log.Info().Str("camera", cam.ID()).Msg("Camera created")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, fmt.Sprintf(":%d", cfg.ServerPort))
	})
	g.Go(func() error {
		return configMgr.Watch(gctx, configDebounce, func(updated config.Config) {
			logger.Init(updated.LogLevel, updated.LogPretty)
			logger.WithComponent("cli").Info().
				Int("overrides", len(updated.Overrides)).
				Msg("Configuration reloaded; new graphs use the updated overrides")
		})
	})

	log.Info().
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Str("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.ServerPort)).
		Msg("PipeScope is running, press Ctrl+C to stop")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shutting down gracefully")
	return nil
}
