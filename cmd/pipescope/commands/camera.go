package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/PipeScope/internal/camera"
	"github.com/bryanchriswhite/PipeScope/internal/diagnostics"
	"github.com/bryanchriswhite/PipeScope/internal/media"
)

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Work with camera graphs",
}

var cameraInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Activate a camera and print its graph",
	Long: `Activate a camera, print its processing graph and deactivate it again.
Without a device flag the test pattern source is used. PipeWire nodes go
through the desktop portal first, which may show a permission dialog.`,
	Example: `  # Test pattern camera
  pipescope camera inspect

  # A V4L2 device
  pipescope camera inspect --device /dev/video0

  # A PipeWire camera node, asking the portal for access
  pipescope camera inspect --pipewire-node 42 --format dot`,
	RunE: runCameraInspect,
}

var (
	cameraDevice   string
	cameraNode     uint32
	cameraFormat   string
	cameraDump     bool
	cameraSinkName string
)

func init() {
	rootCmd.AddCommand(cameraCmd)
	cameraCmd.AddCommand(cameraInspectCmd)

	cameraInspectCmd.Flags().StringVar(&cameraDevice, "device", "", "V4L2 device path")
	cameraInspectCmd.Flags().Uint32Var(&cameraNode, "pipewire-node", 0, "PipeWire node ID")
	cameraInspectCmd.Flags().StringVarP(&cameraFormat, "format", "f", "tree", "output format (tree, json, yaml or dot)")
	cameraInspectCmd.Flags().BoolVar(&cameraDump, "dump", false, "also write a DOT file to the dump directory")
	cameraInspectCmd.Flags().StringVar(&cameraSinkName, "sink", "", "video sink factory (default appsink)")
}

func runCameraInspect(cmd *cobra.Command, args []string) error {
	if cameraDevice != "" && cameraNode != 0 {
		return fmt.Errorf("--device and --pipewire-node are mutually exclusive")
	}

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(configMgr, nil)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	device := camera.TestPatternDevice()
	var access camera.Access
	switch {
	case cameraDevice != "":
		device = camera.V4L2Device(cameraDevice)
	case cameraNode != 0:
		device = camera.PipeWireDevice(cameraNode)
		portal, err := camera.NewPortal()
		if err != nil {
			return fmt.Errorf("failed to connect to the desktop portal: %w", err)
		}
		defer portal.Close()
		access = portal
	}

	cam, err := camera.NewGraphCamera(rt.cameraOptions(device, access))
	if err != nil {
		return err
	}
	defer cam.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Media.ReadyTimeout)
	defer cancel()

	if cameraSinkName != "" {
		if err := cam.SetVideoSink(ctx, media.VideoSink{Factory: cameraSinkName, Name: "videoSink"}); err != nil {
			return err
		}
	}

	cam.AddEventSink(camera.EventSinkFuncs{
		Error: func(code camera.ErrorCode, message string) {
			fmt.Fprintf(os.Stderr, "camera error (%s): %s\n", code, message)
		},
	})

	if err := cam.SetActive(ctx, true); err != nil {
		return fmt.Errorf("failed to activate camera (status %s): %w", cam.Status(), err)
	}

	graph, ok := rt.registry.Lookup(cam.ID())
	if !ok {
		return fmt.Errorf("camera %s has no registered graph", cam.ID())
	}
	g := diagnostics.Snapshot(graph)
	if err := writeGraph(os.Stdout, g, cameraFormat); err != nil {
		return err
	}

	if cameraDump {
		path, err := dumpGraph(rt.cfg, cam.ID(), g)
		if err != nil {
			return fmt.Errorf("failed to dump graph: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Graph written to %s\n", path)
	}

	return cam.SetActive(ctx, false)
}
