// Package pipeline assembles resolved element chains into engine graphs.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/metrics"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/tracing"
)

// ConstructionError reports a stage or chain that could not be built. The cause stays
// reachable through errors.As.
type ConstructionError struct {
	Stage override.Stage
	Err   error
}

func (e *ConstructionError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("build chain: %v", e.Err)
	}
	return fmt.Sprintf("build %s stage: %v", e.Stage, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// IsConstructionError reports whether err carries a *ConstructionError
func IsConstructionError(err error) bool {
	var ce *ConstructionError
	return errors.As(err, &ce)
}

// Builder turns stage resolutions into linked elements
type Builder struct {
	engine   engine.Engine
	resolver *override.Resolver
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// Option configures a Builder
type Option func(*Builder)

// WithMetrics records resolutions and failures on c
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Builder) { b.metrics = c }
}

// WithTracer wraps every stage build in a span
func WithTracer(t trace.Tracer) Option {
	return func(b *Builder) {
		if t != nil {
			b.tracer = t
		}
	}
}

// NewBuilder creates a builder. A nil resolver resolves every stage to its default.
func NewBuilder(eng engine.Engine, resolver *override.Resolver, opts ...Option) *Builder {
	if resolver == nil {
		resolver = override.NewResolver(nil, nil)
	}
	b := &Builder{
		engine:   eng,
		resolver: resolver,
		tracer:   tracing.Noop().Tracer(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Engine returns the engine elements are created on
func (b *Builder) Engine() engine.Engine {
	return b.engine
}

// Resolver returns the stage resolver
func (b *Builder) Resolver() *override.Resolver {
	return b.resolver
}

// BuildStage resolves stage, instantiates its chain inside bin and links it in order. It
// returns the first and last elements so the caller can splice the stage between its
// neighbours.
//
// Every element is created and configured before anything is added to bin, and a chain
// whose links are refused is removed again, so a failed stage leaves bin untouched.
func (b *Builder) BuildStage(ctx context.Context, bin engine.Bin, stage override.Stage) (first, last engine.Element, res override.Resolution, err error) {
	_, span := b.tracer.Start(ctx, "pipeline.build_stage", trace.WithAttributes(
		tracing.AttrStage.String(string(stage)),
	))
	defer span.End()

	log := logger.WithComponent("pipeline")

	res, err = b.resolver.Resolve(stage)
	if err != nil {
		b.metrics.OverrideResolved(string(stage), "error")
		b.metrics.ConstructionFailed(string(stage))
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		log.Error().Err(err).Str("stage", string(stage)).Msg("Failed to resolve stage")
		return nil, nil, override.Resolution{}, &ConstructionError{Stage: stage, Err: err}
	}

	result := "default"
	if res.Overridden {
		result = "override"
	}
	b.metrics.OverrideResolved(string(stage), result)
	span.SetAttributes(
		tracing.AttrOverridden.Bool(res.Overridden),
		tracing.AttrChain.String(res.Chain.String()),
	)

	first, last, err = b.build(bin, res.Chain)
	if err != nil {
		b.metrics.ConstructionFailed(string(stage))
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		log.Error().Err(err).Str("stage", string(stage)).Str("chain", res.Chain.String()).Msg("Failed to build stage")
		return nil, nil, override.Resolution{}, &ConstructionError{Stage: stage, Err: err}
	}

	if res.Overridden {
		log.Info().Str("stage", string(stage)).Str("chain", res.Chain.String()).Msg("Using override chain")
	} else {
		log.Debug().Str("stage", string(stage)).Str("element", res.Chain.String()).Msg("Using default element")
	}
	return first, last, res, nil
}

// BuildChain instantiates an explicit chain inside bin
func (b *Builder) BuildChain(bin engine.Bin, chain override.Chain) (first, last engine.Element, err error) {
	first, last, err = b.build(bin, chain)
	if err != nil {
		return nil, nil, &ConstructionError{Err: err}
	}
	return first, last, nil
}

// Check instantiates chain inside a detached scratch bin that is then discarded. Unknown
// factories, rejected property values and refused links all fail here the way they would
// in a live graph.
func (b *Builder) Check(chain override.Chain) error {
	scratch, err := b.engine.NewBin("override-check")
	if err != nil {
		return &ConstructionError{Err: err}
	}
	if _, _, err := b.build(scratch, chain); err != nil {
		return &ConstructionError{Err: err}
	}
	return nil
}

func (b *Builder) build(bin engine.Bin, chain override.Chain) (first, last engine.Element, err error) {
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("empty element chain")
	}
	if err := override.Validate(chain, b.engine); err != nil {
		return nil, nil, err
	}

	elems := make([]engine.Element, 0, len(chain))
	for i, d := range chain {
		el, err := b.engine.NewElement(d.Factory, d.Name)
		if err != nil {
			var ufe *engine.UnknownFactoryError
			if errors.As(err, &ufe) {
				return nil, nil, &override.UnknownElementError{Factory: d.Factory, Index: i}
			}
			return nil, nil, fmt.Errorf("element %d (%s): %w", i, d.Factory, err)
		}
		for _, p := range d.Properties {
			if err := el.SetProperty(p.Key, p.Value); err != nil {
				return nil, nil, fmt.Errorf("element %d (%s): %w", i, d.Factory, err)
			}
		}
		elems = append(elems, el)
	}

	if err := bin.Add(elems...); err != nil {
		return nil, nil, err
	}
	if err := LinkAll(elems...); err != nil {
		if rerr := bin.Remove(elems...); rerr != nil {
			logger.WithComponent("pipeline").Warn().Err(rerr).Str("bin", bin.Name()).Msg("Failed to roll back chain")
		}
		return nil, nil, err
	}
	return elems[0], elems[len(elems)-1], nil
}

// LinkAll links each element to the next
func LinkAll(elems ...engine.Element) error {
	for i := 0; i+1 < len(elems); i++ {
		if err := elems[i].Link(elems[i+1]); err != nil {
			return fmt.Errorf("link %s -> %s: %w", elems[i].Name(), elems[i+1].Name(), err)
		}
	}
	return nil
}

// LinkFanOut links src to every element in dsts
func LinkFanOut(src engine.Element, dsts ...engine.Element) error {
	for _, dst := range dsts {
		if err := src.Link(dst); err != nil {
			return fmt.Errorf("link %s -> %s: %w", src.Name(), dst.Name(), err)
		}
	}
	return nil
}
