// Package player drives a media player's processing graph: it builds the graph on an
// engine, keeps it registered for inspection, and tracks media status and playback state.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/media"
	"github.com/bryanchriswhite/PipeScope/internal/metadata"
	"github.com/bryanchriswhite/PipeScope/internal/metrics"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/pipeline"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
	"github.com/bryanchriswhite/PipeScope/internal/tracing"
)

// Element names that stay stable across rebuilds
const (
	VideoInputSelector    = "videoInputSelector"
	AudioInputSelector    = "audioInputSelector"
	SubtitleInputSelector = "subTitleInputSelector"
	SourceElement         = "source"
	VideoOutputBin        = "videoOutput"
	AudioOutputBin        = "audioOutput"
)

var (
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("player closed")

	// ErrNotPlayable is returned by Play and Pause before media is loaded
	ErrNotPlayable = errors.New("media not playable")
)

// Options are the collaborators a player is built from
type Options struct {
	Engine   engine.Engine
	Registry *registry.Registry

	// Resolver decides the conversion stages; nil means defaults only
	Resolver *override.Resolver

	// Prober inspects sources; nil means media.ExtensionProber{}
	Prober media.Prober

	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Player owns one processing graph at a time
type Player struct {
	id       string
	eng      engine.Engine
	reg      *registry.Registry
	builder  *pipeline.Builder
	prober   media.Prober
	metrics  *metrics.Collector
	tracer   trace.Tracer
	watchers listeners

	mu          sync.Mutex
	graph       engine.Pipeline
	source      string
	sink        *media.VideoSink
	status      *fsm.FSM
	state       PlaybackState
	info        media.Info
	meta        metadata.MetaData
	errCode     ErrorCode
	errMsg      string
	closed      bool
	generation  uint64
	probeCancel context.CancelFunc

	bufferPercent int
}

// New creates a player and builds its initial graph. A graph that cannot be built is not
// an error here: the player comes up in InvalidMedia with ConstructionError, the same way
// a later rebuild failure is reported.
func New(opts Options) (*Player, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("player: engine required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("player: registry required")
	}
	if opts.Prober == nil {
		opts.Prober = media.ExtensionProber{}
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop().Tracer()
	}

	p := &Player{
		id:  uuid.NewString(),
		eng: opts.Engine,
		reg: opts.Registry,
		builder: pipeline.NewBuilder(opts.Engine, opts.Resolver,
			pipeline.WithMetrics(opts.Metrics),
			pipeline.WithTracer(opts.Tracer),
		),
		prober:  opts.Prober,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		meta:    metadata.MetaData{},
	}
	p.status = newStatusMachine(func(status string) {
		p.metrics.StatusChanged(status)
	})

	p.mu.Lock()
	var evs events
	if err := p.rebuildLocked(context.Background()); err != nil {
		p.failLocked(ConstructionError, err, &evs)
	}
	p.mu.Unlock()

	logger.WithComponent("player").Info().
		Str("player", p.id).
		Str("engine", p.eng.Name()).
		Msg("Player created")
	return p, nil
}

// ID returns the player's registry key
func (p *Player) ID() string {
	return p.id
}

// AddListener subscribes l to notifications
func (p *Player) AddListener(l Listener) ListenerID {
	return p.watchers.add(l)
}

// RemoveListener cancels a subscription
func (p *Player) RemoveListener(id ListenerID) {
	p.watchers.remove(id)
}

// SetVideoSink selects the element video is rendered into and rebuilds the graph
func (p *Player) SetVideoSink(ctx context.Context, sink media.VideoSink) error {
	if sink.Factory == "" {
		def := media.DefaultVideoSink()
		sink.Factory = def.Factory
		if sink.Name == "" {
			sink.Name = def.Name
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.sink = &sink
	var evs events
	err := p.reloadLocked(ctx, &evs)
	p.mu.Unlock()

	p.watchers.dispatch(evs)
	return err
}

// SetSource switches to a new source and rebuilds the graph. Probing continues in the
// background; watch the media status for the outcome. An empty url unloads.
func (p *Player) SetSource(ctx context.Context, url string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.source = url
	var evs events
	err := p.reloadLocked(ctx, &evs)
	p.mu.Unlock()

	p.watchers.dispatch(evs)
	return err
}

// Play starts playback
func (p *Player) Play() error {
	return p.setPlayback(Playing, engine.StatePlaying)
}

// Pause pauses playback
func (p *Player) Pause() error {
	return p.setPlayback(Paused, engine.StatePaused)
}

// Stop stops playback and rewinds
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	var evs events
	if p.graph != nil {
		target := engine.StateReady
		if MediaStatus(p.status.Current()).Playable() {
			target = engine.StatePaused
		}
		if err := p.graph.SetState(target); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	if MediaStatus(p.status.Current()) == EndOfMedia {
		if s, changed := fire(p.status, evRewind); changed {
			evs.status(s)
		}
	}
	p.setStateLocked(Stopped, &evs)
	p.mu.Unlock()

	p.watchers.dispatch(evs)
	return nil
}

func (p *Player) setPlayback(state PlaybackState, target engine.State) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	status := MediaStatus(p.status.Current())
	if !status.Playable() || p.graph == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNotPlayable, status)
	}
	if err := p.graph.SetState(target); err != nil {
		p.mu.Unlock()
		return err
	}

	var evs events
	if state == Playing && status == EndOfMedia {
		if s, changed := fire(p.status, evRewind); changed {
			evs.status(s)
		}
	}
	p.setStateLocked(state, &evs)
	p.mu.Unlock()

	p.watchers.dispatch(evs)
	return nil
}

// handleMessage applies a data-flow message posted by graph. Messages from a graph that has
// since been replaced are dropped.
func (p *Player) handleMessage(graph engine.Pipeline, msg engine.Message) {
	p.mu.Lock()
	if p.closed || p.graph != graph {
		p.mu.Unlock()
		return
	}
	var evs events
	switch msg.Type {
	case engine.MessageBuffering:
		p.bufferingLocked(msg.Percent, &evs)
	case engine.MessageEOS:
		p.endOfStreamLocked(&evs)
	}
	p.mu.Unlock()

	p.watchers.dispatch(evs)
}

// bufferingLocked maps a fill level onto the media status. Falling to zero after data had
// arrived stalls; a full buffer is Buffered; anything else is Buffering.
func (p *Player) bufferingLocked(percent int, evs *events) {
	ev := evBuffer
	switch {
	case percent >= 100:
		ev = evBuffered
	case percent <= 0 && p.bufferPercent > 0:
		ev = evStall
	}
	p.bufferPercent = percent
	if s, changed := fire(p.status, ev); changed {
		evs.status(s)
	}
}

func (p *Player) endOfStreamLocked(evs *events) {
	if s, changed := fire(p.status, evEnd); changed {
		evs.status(s)
		if p.graph != nil {
			_ = p.graph.SetState(engine.StatePaused)
		}
		p.setStateLocked(Stopped, evs)
	}
}

// Close unregisters and tears down the graph. Safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.generation++
	p.cancelProbeLocked()

	var evs events
	err := p.teardownLocked()
	if s, changed := fire(p.status, evUnload); changed {
		evs.status(s)
	}
	p.setStateLocked(Stopped, &evs)
	p.mu.Unlock()

	p.watchers.dispatch(evs)
	logger.WithComponent("player").Info().Str("player", p.id).Msg("Player closed")
	return err
}

// Source returns the current source URL
func (p *Player) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// MediaStatus returns the current media status
func (p *Player) MediaStatus() MediaStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return MediaStatus(p.status.Current())
}

// PlaybackState returns the requested playback state
func (p *Player) PlaybackState() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Error returns the last failure, or NoError
func (p *Player) Error() (ErrorCode, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errCode, p.errMsg
}

// Info returns what probing found out about the source
func (p *Player) Info() media.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// MetaData returns a copy of the source's metadata
func (p *Player) MetaData() metadata.MetaData {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(metadata.MetaData, len(p.meta))
	for k, v := range p.meta {
		out[k] = v
	}
	return out
}

// reloadLocked rebuilds the graph for the current source and sink and restarts probing
func (p *Player) reloadLocked(ctx context.Context, evs *events) error {
	p.generation++
	gen := p.generation
	p.cancelProbeLocked()
	p.info = media.Info{}
	p.meta = metadata.MetaData{}
	p.bufferPercent = 0
	p.errCode, p.errMsg = NoError, ""
	p.setStateLocked(Stopped, evs)

	if err := p.rebuildLocked(ctx); err != nil {
		p.failLocked(ConstructionError, err, evs)
		return err
	}

	if p.source == "" {
		if s, changed := fire(p.status, evUnload); changed {
			evs.status(s)
		}
		return nil
	}

	if s, changed := fire(p.status, evLoad); changed {
		evs.status(s)
	}
	probeCtx, cancel := context.WithCancel(context.Background())
	p.probeCancel = cancel
	go p.probe(probeCtx, gen, p.source)
	return nil
}

// rebuildLocked builds a fresh graph and swaps it in. The new graph is registered before
// the old one is closed. On failure no graph stays registered.
func (p *Player) rebuildLocked(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "player.build_pipeline", trace.WithAttributes(
		tracing.AttrPlayerID.String(p.id),
		tracing.AttrSource.String(p.source),
	))
	defer span.End()

	graph, err := p.buildLocked(ctx)
	if err != nil {
		if graph != nil {
			_ = graph.Close()
		}
		_ = p.teardownLocked()
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return err
	}

	old := p.graph
	p.graph = graph
	if src, ok := graph.(engine.MessageSource); ok {
		src.OnMessage(func(msg engine.Message) { p.handleMessage(graph, msg) })
	}
	p.reg.Register(p.id, graph)
	if old != nil {
		if err := old.Close(); err != nil {
			logger.WithComponent("player").Warn().Err(err).Str("player", p.id).Msg("Failed to close previous pipeline")
		}
	}
	return nil
}

// teardownLocked unregisters and closes the current graph
func (p *Player) teardownLocked() error {
	if p.graph == nil {
		return nil
	}
	old := p.graph
	p.graph = nil
	p.reg.UnregisterIf(p.id, old)
	return old.Close()
}

// buildLocked assembles
//
//	source -> {video,audio,subTitle}InputSelector
//	videoInputSelector -> videoOutput[videoQueue ! <video_conversion> ! videoScale ! sink]
//	audioInputSelector -> audioOutput[audioQueue ! <audio_conversion> ! audioResample ! audioSink]
//	subTitleInputSelector -> subTitleSink
//
// The returned pipeline may be non-nil on error so the caller can close it.
func (p *Player) buildLocked(ctx context.Context) (engine.Pipeline, error) {
	graph, err := p.eng.NewPipeline("player-" + p.id[:8])
	if err != nil {
		return nil, &pipeline.ConstructionError{Err: err}
	}

	newEl := func(factory, name string) (engine.Element, error) {
		el, err := p.eng.NewElement(factory, name)
		if err != nil {
			return nil, &pipeline.ConstructionError{Err: err}
		}
		return el, nil
	}

	var selectors []engine.Element
	for _, name := range []string{VideoInputSelector, AudioInputSelector, SubtitleInputSelector} {
		sel, err := newEl("input-selector", name)
		if err != nil {
			return graph, err
		}
		selectors = append(selectors, sel)
	}
	subSink, err := newEl("fakesink", "subTitleSink")
	if err != nil {
		return graph, err
	}
	if err := subSink.SetProperty("sync", "false"); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}
	if err := graph.Add(append(selectors, subSink)...); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}
	if err := selectors[2].Link(subSink); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}

	audioOut, err := p.buildOutput(ctx, AudioOutputBin, override.StageAudioConversion,
		"audioQueue", "audioresample", "audioResample", media.VideoSink{Factory: "fakesink", Name: "audioSink"})
	if err != nil {
		return graph, err
	}
	if err := graph.Add(audioOut); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}
	if err := selectors[1].Link(audioOut); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}

	if p.sink != nil {
		videoOut, err := p.buildOutput(ctx, VideoOutputBin, override.StageVideoConversion,
			"videoQueue", "videoscale", "videoScale", *p.sink)
		if err != nil {
			return graph, err
		}
		if err := graph.Add(videoOut); err != nil {
			return graph, &pipeline.ConstructionError{Err: err}
		}
		if err := selectors[0].Link(videoOut); err != nil {
			return graph, &pipeline.ConstructionError{Err: err}
		}
	}

	if p.source != "" {
		src, err := newEl("uridecodebin", SourceElement)
		if err != nil {
			return graph, err
		}
		if err := src.SetProperty("uri", media.ToURI(p.source)); err != nil {
			return graph, &pipeline.ConstructionError{Err: err}
		}
		if err := graph.Add(src); err != nil {
			return graph, &pipeline.ConstructionError{Err: err}
		}
		if err := pipeline.LinkFanOut(src, selectors...); err != nil {
			return graph, &pipeline.ConstructionError{Err: err}
		}
	}

	if err := graph.SetState(engine.StateReady); err != nil {
		return graph, &pipeline.ConstructionError{Err: err}
	}
	return graph, nil
}

// buildOutput creates a bin holding queue ! <stage> ! post ! sink with the queue as input
func (p *Player) buildOutput(ctx context.Context, name string, stage override.Stage, queueName, postFactory, postName string, sink media.VideoSink) (engine.Bin, error) {
	bin, err := p.eng.NewBin(name)
	if err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	queue, err := p.eng.NewElement("queue", queueName)
	if err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	post, err := p.eng.NewElement(postFactory, postName)
	if err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	sinkEl, err := p.eng.NewElement(sink.Factory, sink.Name)
	if err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	for k, v := range sink.Properties {
		if err := sinkEl.SetProperty(k, v); err != nil {
			return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
		}
	}
	if err := bin.Add(queue); err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}

	first, last, _, err := p.builder.BuildStage(ctx, bin, stage)
	if err != nil {
		return nil, err
	}

	if err := bin.Add(post, sinkEl); err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	if err := pipeline.LinkAll(queue, first); err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	if err := pipeline.LinkAll(last, post, sinkEl); err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	if err := bin.SetSinkTarget(queue); err != nil {
		return nil, &pipeline.ConstructionError{Stage: stage, Err: err}
	}
	return bin, nil
}

func (p *Player) probe(ctx context.Context, gen uint64, url string) {
	info, err := p.prober.Probe(ctx, url)

	p.mu.Lock()
	if gen != p.generation || p.closed || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.cancelProbeLocked()

	var evs events
	if err != nil {
		code := ResourceError
		if errors.Is(err, media.ErrUnsupportedFormat) {
			code = FormatError
		}
		if p.graph != nil {
			_ = p.graph.SetState(engine.StateNull)
		}
		p.failLocked(code, err, &evs)
	} else {
		p.info = info
		p.meta = metadata.FromTagList(info.Tags)
		if p.graph != nil {
			if n := metadata.ApplyToBin(p.meta, p.graph); n > 0 {
				logger.WithComponent("player").Debug().Int("elements", n).Msg("Applied metadata to tag setters")
			}
			if err := p.graph.SetState(engine.StatePaused); err != nil {
				p.failLocked(ResourceError, err, &evs)
				p.mu.Unlock()
				p.watchers.dispatch(evs)
				return
			}
		}
		if s, changed := fire(p.status, evLoaded); changed {
			evs.status(s)
		}
		logger.WithComponent("player").Info().
			Str("player", p.id).
			Str("source", url).
			Bool("video", info.Streams.Video).
			Bool("audio", info.Streams.Audio).
			Bool("subtitle", info.Streams.Subtitle).
			Msg("Media loaded")
	}
	p.mu.Unlock()

	p.watchers.dispatch(evs)
}

func (p *Player) failLocked(code ErrorCode, err error, evs *events) {
	p.errCode, p.errMsg = code, err.Error()
	if s, changed := fire(p.status, evInvalidate); changed {
		evs.status(s)
	}
	p.setStateLocked(Stopped, evs)
	evs.err(code, err.Error())

	logger.WithComponent("player").Error().
		Err(err).
		Str("player", p.id).
		Stringer("code", code).
		Msg("Player error")
}

func (p *Player) setStateLocked(state PlaybackState, evs *events) {
	if p.state == state {
		return
	}
	p.state = state
	evs.state(state)
}

func (p *Player) cancelProbeLocked() {
	if p.probeCancel != nil {
		p.probeCancel()
		p.probeCancel = nil
	}
}
