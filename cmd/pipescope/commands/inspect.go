package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/PipeScope/internal/diagnostics"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/media"
	"github.com/bryanchriswhite/PipeScope/internal/player"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect SOURCE",
	Short: "Build a player for SOURCE and print its graph",
	Long: `Build a player for SOURCE, wait until the media is loaded and print the
processing graph. Stage overrides from the environment and the config file
apply, so this is the quickest way to check what an override produces.`,
	Example: `  # Print the graph as a tree (default)
  pipescope inspect ./clip.mp4

  # Check a video override
  PIPESCOPE_OVERRIDE_VIDEO_CONVERSION_ELEMENT="identity name=myConverter" \
    pipescope inspect ./clip.mp4 --wait-for myConverter

  # Write a DOT file to the dump directory
  pipescope inspect ./clip.mp4 --format json --dump`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectFormat  string
	inspectDump    bool
	inspectWaitFor string
	inspectTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "tree", "output format (tree, json, yaml or dot)")
	inspectCmd.Flags().BoolVar(&inspectDump, "dump", false, "also write a DOT file to the dump directory")
	inspectCmd.Flags().StringVar(&inspectWaitFor, "wait-for", "", "wait until an element with this name is in the graph")
	inspectCmd.Flags().DurationVar(&inspectTimeout, "timeout", 0, "how long to wait for the media (default media.ready_timeout)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(configMgr, nil)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	timeout := inspectTimeout
	if timeout <= 0 {
		timeout = rt.cfg.Media.ReadyTimeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	id, g, err := inspectSource(ctx, rt, args[0], inspectWaitFor)
	if err != nil {
		return err
	}

	if err := writeGraph(os.Stdout, g, inspectFormat); err != nil {
		return err
	}

	if inspectDump {
		path, err := dumpGraph(rt.cfg, "player-"+id, g)
		if err != nil {
			return fmt.Errorf("failed to dump graph: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Graph written to %s\n", path)
	}
	return nil
}

// newPlayer creates a player rendering video into the default sink, so both conversion
// stages are part of its graph. A graph that cannot be built is returned with the error.
func newPlayer(ctx context.Context, rt *runtime) (*player.Player, error) {
	p, err := player.New(rt.playerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create player: %w", err)
	}
	if err := p.SetVideoSink(ctx, media.DefaultVideoSink()); err != nil {
		return p, fmt.Errorf("failed to build player graph: %w", err)
	}
	return p, nil
}

// inspectSource loads source into a fresh player, waits until it is ready and, when
// waitFor is set, until that element is in the graph. It returns the player ID and a
// snapshot of the graph; the player is closed afterwards.
func inspectSource(ctx context.Context, rt *runtime, source, waitFor string) (string, diagnostics.Graph, error) {
	p, err := newPlayer(ctx, rt)
	if p != nil {
		defer p.Close()
	}
	if err != nil {
		return "", diagnostics.Graph{}, err
	}

	if err := p.SetSource(ctx, source); err != nil {
		return "", diagnostics.Graph{}, fmt.Errorf("failed to set source: %w", err)
	}

	status, err := waitReady(ctx, p, rt.cfg.Media.PollInterval)
	if err != nil {
		return "", diagnostics.Graph{}, err
	}
	if status == player.InvalidMedia {
		code, msg := p.Error()
		return "", diagnostics.Graph{}, fmt.Errorf("%s: %s (%s)", source, msg, code)
	}

	if waitFor != "" {
		if _, err := diagnostics.WaitForElement(ctx, rt.registry, p.ID(), waitFor, rt.cfg.Media.PollInterval); err != nil {
			return "", diagnostics.Graph{}, err
		}
	}

	graph, ok := rt.registry.Lookup(p.ID())
	if !ok {
		return "", diagnostics.Graph{}, fmt.Errorf("player %s has no registered graph", p.ID())
	}
	return p.ID(), diagnostics.Snapshot(graph), nil
}

// waitReady polls until the media is playable or rejected
func waitReady(ctx context.Context, p *player.Player, interval time.Duration) (player.MediaStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithComponent("cli")
	for {
		status := p.MediaStatus()
		if status.Playable() || status == player.InvalidMedia {
			log.Debug().Str("status", string(status)).Msg("Media ready")
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, fmt.Errorf("timed out waiting for media (status %s): %w", status, ctx.Err())
		case <-ticker.C:
		}
	}
}
