package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/PipeScope/internal/camera"
	"github.com/bryanchriswhite/PipeScope/internal/config"
	"github.com/bryanchriswhite/PipeScope/internal/diagnostics"
	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/engine/gstengine"
	"github.com/bryanchriswhite/PipeScope/internal/engine/memgraph"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/media"
	"github.com/bryanchriswhite/PipeScope/internal/metrics"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/player"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
	"github.com/bryanchriswhite/PipeScope/internal/tracing"
)

// runtime holds the collaborators shared by players and cameras of one command
type runtime struct {
	cfg      config.Config
	engine   engine.Engine
	registry *registry.Registry
	resolver *override.Resolver
	metrics  *metrics.Collector
	tracing  *tracing.Provider
}

// newRuntime wires the engine, registry and resolver from the loaded config. promReg may be
// nil when nothing scrapes metrics.
func newRuntime(configMgr *config.Manager, promReg prometheus.Registerer) (*runtime, error) {
	cfg := configMgr.Get()

	eng, err := newEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if promReg != nil {
		collector = metrics.New(promReg)
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		engine:   eng,
		registry: registry.New(collector),
		resolver: override.NewResolver(configMgr, nil),
		metrics:  collector,
		tracing:  tp,
	}, nil
}

func newEngine(name string) (engine.Engine, error) {
	switch name {
	case config.EngineGStreamer:
		eng, err := gstengine.New()
		if err != nil {
			return nil, fmt.Errorf("failed to start %s engine: %w", name, err)
		}
		return eng, nil
	case config.EngineMemGraph, "":
		return memgraph.New(), nil
	default:
		return nil, fmt.Errorf("unknown engine: %s", name)
	}
}

func (r *runtime) playerOptions() player.Options {
	return player.Options{
		Engine:   r.engine,
		Registry: r.registry,
		Resolver: r.resolver,
		Prober:   media.ExtensionProber{Delay: r.cfg.Media.ProbeDelay},
		Metrics:  r.metrics,
		Tracer:   r.tracing.Tracer(),
	}
}

func (r *runtime) cameraOptions(device camera.Device, access camera.Access) camera.Options {
	return camera.Options{
		Engine:   r.engine,
		Registry: r.registry,
		Resolver: r.resolver,
		Device:   device,
		Access:   access,
		Metrics:  r.metrics,
		Tracer:   r.tracing.Tracer(),
	}
}

// shutdown flushes pending spans
func (r *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracing.Shutdown(ctx); err != nil {
		logger.WithComponent("cli").Warn().Err(err).Msg("Failed to flush traces")
	}
}

// writeGraph renders a snapshot in one of the supported formats
func writeGraph(w io.Writer, g diagnostics.Graph, format string) error {
	switch format {
	case "tree":
		return diagnostics.WriteTree(w, g)
	case "dot":
		return diagnostics.WriteDOT(w, g)
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(g)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(g); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported format: %s (use 'tree', 'json', 'yaml' or 'dot')", format)
	}
}

// dumpGraph writes a DOT file into the configured dump directory, or the working
// directory when none is set
func dumpGraph(cfg config.Config, prefix string, g diagnostics.Graph) (string, error) {
	dir := cfg.DumpDir
	if dir == "" {
		dir = "."
	}
	return diagnostics.DumpDOT(dir, prefix, g)
}
