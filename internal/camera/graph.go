package camera

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/media"
	"github.com/bryanchriswhite/PipeScope/internal/metrics"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/pipeline"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
	"github.com/bryanchriswhite/PipeScope/internal/tracing"
)

// Element names inside a camera graph
const (
	SourceElement          = "cameraSource"
	ImageProcessingElement = "imageProcessing"
)

// Options are the collaborators a GraphCamera is built from
type Options struct {
	Engine   engine.Engine
	Registry *registry.Registry

	// Resolver decides the video_conversion stage; nil means defaults only
	Resolver *override.Resolver

	// Device to capture from; the zero value means TestPatternDevice
	Device Device

	// Access is consulted for devices that require the portal
	Access Access

	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// GraphCamera runs
//
//	cameraSource ! <video_conversion> ! imageProcessing ! sink
//
// on an engine and keeps the graph registered under its ID while active.
type GraphCamera struct {
	id       string
	name     string
	eng      engine.Engine
	reg      *registry.Registry
	builder  *pipeline.Builder
	access   Access
	tracer   trace.Tracer
	notifier Notifier
	exposure exposure

	// op serializes lifecycle changes, which may block on the portal
	op sync.Mutex

	mu      sync.Mutex
	device  Device
	sink    media.VideoSink
	graph   engine.Pipeline
	status  Status
	active  bool
	balance balance
	remote  *os.File // PipeWire connection granted by the portal
}

var _ Camera = (*GraphCamera)(nil)

// NewGraphCamera creates an inactive camera
func NewGraphCamera(opts Options) (*GraphCamera, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("camera: engine required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("camera: registry required")
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop().Tracer()
	}
	if opts.Device.IsNull() {
		opts.Device = TestPatternDevice()
	}

	uid := uuid.NewString()
	c := &GraphCamera{
		id:   "camera-" + uid,
		name: "camera-" + uid[:8],
		eng:  opts.Engine,
		reg:  opts.Registry,
		builder: pipeline.NewBuilder(opts.Engine, opts.Resolver,
			pipeline.WithMetrics(opts.Metrics),
			pipeline.WithTracer(opts.Tracer),
		),
		access:  opts.Access,
		tracer:  opts.Tracer,
		device:  opts.Device,
		sink:    media.DefaultVideoSink(),
		status:  Inactive,
		balance: defaultBalance(),
	}
	return c, nil
}

// ID returns the camera's registry key
func (c *GraphCamera) ID() string {
	return c.id
}

// IsActive reports whether the graph is running
func (c *GraphCamera) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Status returns the lifecycle status
func (c *GraphCamera) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Device returns the configured device
func (c *GraphCamera) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// AddEventSink subscribes s to notifications
func (c *GraphCamera) AddEventSink(s EventSink) SinkID {
	return c.notifier.Add(s)
}

// RemoveEventSink cancels a subscription
func (c *GraphCamera) RemoveEventSink(id SinkID) {
	c.notifier.Remove(id)
}

// Focus is not supported by graph cameras
func (c *GraphCamera) Focus() (FocusControl, bool) {
	return nil, false
}

// Exposure returns the in-memory exposure control
func (c *GraphCamera) Exposure() (ExposureControl, bool) {
	return &c.exposure, true
}

// ImageProcessing returns a control backed by the videobalance element
func (c *GraphCamera) ImageProcessing() (ImageProcessingControl, bool) {
	return imageProcessing{c: c}, true
}

// SetActive starts or stops capture
func (c *GraphCamera) SetActive(ctx context.Context, active bool) error {
	c.op.Lock()
	defer c.op.Unlock()

	var ns notices
	var err error
	if active {
		err = c.start(ctx, &ns)
	} else {
		c.mu.Lock()
		err = c.stopLocked(&ns)
		c.mu.Unlock()
	}
	ns.deliver(&c.notifier)
	return err
}

// SetDevice switches the capture device, restarting capture if it is running
func (c *GraphCamera) SetDevice(ctx context.Context, d Device) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	c.device = d
	active := c.active
	if !d.RequiresPortal {
		c.setRemoteLocked(nil)
	}
	var ns notices
	if d.IsNull() {
		err := c.stopLocked(&ns)
		c.setStatusLocked(Unavailable, &ns)
		c.mu.Unlock()
		ns.deliver(&c.notifier)
		return err
	}
	if !active && c.status == Unavailable {
		c.setStatusLocked(Inactive, &ns)
	}
	c.mu.Unlock()

	var err error
	if active {
		if d.RequiresPortal {
			err = c.requestAccess(ctx, d, &ns)
		}
		if err == nil {
			err = c.restart(ctx, &ns)
		} else {
			c.mu.Lock()
			_ = c.stopLocked(&ns)
			c.mu.Unlock()
		}
	}
	ns.deliver(&c.notifier)
	return err
}

// SetVideoSink selects the element frames are delivered to, rebuilding a running graph
func (c *GraphCamera) SetVideoSink(ctx context.Context, sink media.VideoSink) error {
	if sink.Factory == "" {
		def := media.DefaultVideoSink()
		sink.Factory = def.Factory
		if sink.Name == "" {
			sink.Name = def.Name
		}
	}

	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	c.sink = sink
	active := c.active
	c.mu.Unlock()

	if !active {
		return nil
	}
	var ns notices
	err := c.restart(ctx, &ns)
	ns.deliver(&c.notifier)
	return err
}

// Close stops capture
func (c *GraphCamera) Close() error {
	return c.SetActive(context.Background(), false)
}

func (c *GraphCamera) start(ctx context.Context, ns *notices) error {
	log := logger.WithComponent("camera")

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	dev := c.device
	if dev.IsNull() {
		c.setStatusLocked(Unavailable, ns)
		c.mu.Unlock()
		return ErrNoDevice
	}
	c.mu.Unlock()

	if dev.RequiresPortal {
		if err := c.requestAccess(ctx, dev, ns); err != nil {
			log.Warn().Err(err).Str("camera", c.id).Str("device", dev.ID).Msg("Camera access refused")
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatusLocked(Starting, ns)

	graph, err := c.activateLocked(ctx)
	if err != nil {
		c.setRemoteLocked(nil)
		c.setStatusLocked(Inactive, ns)
		ns.err(ConstructionError, err.Error())
		return err
	}
	c.graph = graph
	c.reg.Register(c.id, graph)
	c.active = true
	c.setStatusLocked(Active, ns)
	ns.active(true)

	log.Info().Str("camera", c.id).Str("device", dev.ID).Msg("Camera started")
	return nil
}

// restart swaps in a graph for the current device and sink. The new graph is registered
// before the old one is closed.
func (c *GraphCamera) restart(ctx context.Context, ns *notices) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	graph, err := c.activateLocked(ctx)
	if err != nil {
		_ = c.stopLocked(ns)
		ns.err(ConstructionError, err.Error())
		return err
	}
	old := c.graph
	c.graph = graph
	c.reg.Register(c.id, graph)
	if old != nil {
		if err := old.Close(); err != nil {
			logger.WithComponent("camera").Warn().Err(err).Str("camera", c.id).Msg("Failed to close previous pipeline")
		}
	}
	return nil
}

func (c *GraphCamera) requestAccess(ctx context.Context, dev Device, ns *notices) error {
	fail := func(status Status, code ErrorCode, err error) error {
		c.mu.Lock()
		c.setStatusLocked(status, ns)
		c.mu.Unlock()
		ns.err(code, err.Error())
		return err
	}

	if c.access == nil {
		return fail(Unavailable, AccessError, fmt.Errorf("%w: %s needs the camera portal", ErrUnavailable, dev.ID))
	}
	present, err := c.access.IsCameraPresent()
	if err != nil {
		return fail(Unavailable, CameraError, fmt.Errorf("query camera presence: %w", err))
	}
	if !present {
		return fail(Unavailable, CameraError, ErrUnavailable)
	}
	if err := c.access.AccessCamera(ctx); err != nil {
		return fail(Inactive, AccessError, err)
	}
	fd, err := c.access.OpenPipeWireRemote()
	if err != nil {
		return fail(Inactive, AccessError, fmt.Errorf("open PipeWire remote: %w", err))
	}

	c.mu.Lock()
	c.setRemoteLocked(os.NewFile(uintptr(fd), "pipewire-remote"))
	c.mu.Unlock()
	logger.WithComponent("camera").Debug().Str("camera", c.id).Int("fd", fd).Msg("Opened PipeWire remote")
	return nil
}

// setRemoteLocked replaces the PipeWire connection, closing the previous one
func (c *GraphCamera) setRemoteLocked(f *os.File) {
	if c.remote != nil && c.remote != f {
		if err := c.remote.Close(); err != nil {
			logger.WithComponent("camera").Warn().Err(err).Str("camera", c.id).Msg("Failed to close PipeWire remote")
		}
	}
	c.remote = f
}

// activateLocked builds and starts a graph. Nothing is registered on failure.
func (c *GraphCamera) activateLocked(ctx context.Context) (engine.Pipeline, error) {
	ctx, span := c.tracer.Start(ctx, "camera.activate", trace.WithAttributes(
		tracing.AttrCameraID.String(c.id),
		tracing.AttrDevice.String(c.device.ID),
	))
	defer span.End()

	graph, err := c.buildLocked(ctx)
	if err == nil {
		err = graph.SetState(engine.StatePlaying)
	}
	if err != nil {
		if graph != nil {
			_ = graph.Close()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "activate failed")
		logger.WithComponent("camera").Error().Err(err).Str("camera", c.id).Msg("Failed to build camera pipeline")
		return nil, err
	}
	return graph, nil
}

// buildLocked assembles the capture graph. The returned pipeline may be non-nil on error
// so the caller can close it.
func (c *GraphCamera) buildLocked(ctx context.Context) (engine.Pipeline, error) {
	graph, err := c.eng.NewPipeline(c.name)
	if err != nil {
		return nil, &pipeline.ConstructionError{Err: err}
	}

	props := c.device.Properties
	if c.device.RequiresPortal && c.remote != nil {
		props = make(map[string]string, len(c.device.Properties)+1)
		for k, v := range c.device.Properties {
			props[k] = v
		}
		props["fd"] = strconv.Itoa(int(c.remote.Fd()))
	}
	src, err := newConfigured(c.eng, c.device.Factory, SourceElement, props)
	if err != nil {
		return graph, err
	}
	if err := graph.Add(src); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}

	first, last, _, err := c.builder.BuildStage(ctx, graph, override.StageVideoConversion)
	if err != nil {
		return graph, err
	}

	bal, err := newConfigured(c.eng, "videobalance", ImageProcessingElement, c.balance.properties())
	if err != nil {
		return graph, err
	}
	sink, err := newConfigured(c.eng, c.sink.Factory, c.sink.Name, c.sink.Properties)
	if err != nil {
		return graph, err
	}
	if err := graph.Add(bal, sink); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}

	if err := src.Link(first); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}
	if err := pipeline.LinkAll(last, bal, sink); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}
	return graph, nil
}

func newConfigured(eng engine.Engine, factory, name string, props map[string]string) (engine.Element, error) {
	el, err := eng.NewElement(factory, name)
	if err != nil {
		return nil, &pipeline.ConstructionError{Err: err}
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := el.SetProperty(k, props[k]); err != nil {
			return nil, &pipeline.ConstructionError{Err: fmt.Errorf("%s: %w", name, err)}
		}
	}
	return el, nil
}

// stopLocked unregisters and closes the graph
func (c *GraphCamera) stopLocked(ns *notices) error {
	if !c.active && c.graph == nil {
		return nil
	}
	c.setStatusLocked(Stopping, ns)

	var err error
	if c.graph != nil {
		old := c.graph
		c.graph = nil
		c.reg.UnregisterIf(c.id, old)
		err = old.Close()
	}
	c.setRemoteLocked(nil)
	wasActive := c.active
	c.active = false
	c.setStatusLocked(Inactive, ns)
	if wasActive {
		ns.active(false)
		logger.WithComponent("camera").Info().Str("camera", c.id).Msg("Camera stopped")
	}
	return err
}

func (c *GraphCamera) setStatusLocked(s Status, ns *notices) {
	if c.status == s {
		return
	}
	c.status = s
	ns.status(s)
}
