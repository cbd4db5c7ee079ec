// Package override decides, per overridable pipeline stage, whether the default element
// or an externally configured element chain is used.
//
// Resolution is a pure function of the configured text: the resolver never instantiates
// or links anything. The pipeline builder does that with the returned descriptors.
package override

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Stage identifies an overridable pipeline stage
type Stage string

const (
	StageVideoConversion Stage = "video_conversion"
	StageAudioConversion Stage = "audio_conversion"
)

// EnvPrefix starts every override environment variable
const EnvPrefix = "PIPESCOPE_OVERRIDE_"

// EnvKey returns the environment variable consulted for a stage, e.g.
// PIPESCOPE_OVERRIDE_VIDEO_CONVERSION_ELEMENT
func EnvKey(stage Stage) string {
	return EnvPrefix + strings.ToUpper(string(stage)) + "_ELEMENT"
}

// Source supplies the configured chain description for a stage
type Source interface {
	Lookup(stage Stage) (string, bool)
}

// EnvSource reads overrides from the process environment
type EnvSource struct{}

// Lookup implements Source
func (EnvSource) Lookup(stage Stage) (string, bool) {
	return os.LookupEnv(EnvKey(stage))
}

// MapSource is a fixed set of overrides
type MapSource map[Stage]string

// Lookup implements Source
func (m MapSource) Lookup(stage Stage) (string, bool) {
	v, ok := m[stage]
	return v, ok
}

// FirstOf consults sources in order and returns the first value found
type FirstOf []Source

// Lookup implements Source
func (f FirstOf) Lookup(stage Stage) (string, bool) {
	for _, s := range f {
		if s == nil {
			continue
		}
		if v, ok := s.Lookup(stage); ok {
			return v, true
		}
	}
	return "", false
}

// DefaultStages returns the built-in stages and their default elements
func DefaultStages() map[Stage]Descriptor {
	return map[Stage]Descriptor{
		StageVideoConversion: {Factory: "videoconvert", Name: "videoConvert"},
		StageAudioConversion: {Factory: "audioconvert", Name: "audioConvert"},
	}
}

// Resolution is the outcome of resolving one stage
type Resolution struct {
	Stage      Stage  `json:"stage" yaml:"stage"`
	Chain      Chain  `json:"chain" yaml:"chain"`
	Overridden bool   `json:"overridden" yaml:"overridden"`
	Raw        string `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// Resolver maps stages to element chains
type Resolver struct {
	source   Source
	defaults map[Stage]Descriptor
}

// NewResolver creates a resolver. A nil source means no overrides; nil defaults means
// DefaultStages().
func NewResolver(source Source, defaults map[Stage]Descriptor) *Resolver {
	if defaults == nil {
		defaults = DefaultStages()
	}
	return &Resolver{source: source, defaults: defaults}
}

// Resolve returns the chain to build for stage.
//
// An absent or blank value yields the stage default. A present value must parse; on
// failure a *StageError wrapping a *ParseError is returned and the chain is empty.
func (r *Resolver) Resolve(stage Stage) (Resolution, error) {
	def, ok := r.defaults[stage]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	var raw string
	if r.source != nil {
		raw, _ = r.source.Lookup(stage)
	}
	if strings.TrimSpace(raw) == "" {
		return Resolution{Stage: stage, Chain: Chain{def}}, nil
	}

	chain, err := ParseChain(raw)
	if err != nil {
		return Resolution{}, &StageError{Stage: stage, Err: err}
	}
	return Resolution{Stage: stage, Chain: chain, Overridden: true, Raw: raw}, nil
}

// Default returns the default descriptor of a stage
func (r *Resolver) Default(stage Stage) (Descriptor, bool) {
	d, ok := r.defaults[stage]
	return d, ok
}

// Stages lists the known stages, sorted
func (r *Resolver) Stages() []Stage {
	stages := make([]Stage, 0, len(r.defaults))
	for s := range r.defaults {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	return stages
}

// FactoryChecker is the part of an engine Validate needs
type FactoryChecker interface {
	HasFactory(factory string) bool
}

// Validate checks that every descriptor names an instantiable factory
func Validate(chain Chain, factories FactoryChecker) error {
	for i, d := range chain {
		if !factories.HasFactory(d.Factory) {
			return &UnknownElementError{Factory: d.Factory, Index: i}
		}
	}
	return nil
}
