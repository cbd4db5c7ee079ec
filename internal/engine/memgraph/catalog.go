package memgraph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
)

// Pads describes which pads a factory's elements carry
type Pads uint8

const (
	PadSink Pads = 1 << iota
	PadSource
	PadMultiSink   // request sink pads, many upstream links
	PadMultiSource // request or sometimes source pads, many downstream links
)

const (
	padsSource = PadSource
	padsSink   = PadSink
	padsFilter = PadSink | PadSource
)

// PropKind is the value type of a property
type PropKind int

const (
	KindString PropKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindEnum
)

// PropSpec describes one property of a factory
type PropSpec struct {
	Kind  PropKind
	Enum  []string // allowed nicks for KindEnum
	Range [2]float64
}

// Validate checks a textual value against the property type and range
func (s PropSpec) Validate(value string) error {
	switch s.Kind {
	case KindString:
		return nil
	case KindBool:
		if _, err := strconv.ParseBool(strings.ToLower(value)); err != nil {
			return fmt.Errorf("%w: %q is not a boolean", engine.ErrInvalidValue, value)
		}
	case KindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", engine.ErrInvalidValue, value)
		}
		return s.checkRange(float64(n), value)
	case KindUint:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not an unsigned integer", engine.ErrInvalidValue, value)
		}
		return s.checkRange(float64(n), value)
	case KindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", engine.ErrInvalidValue, value)
		}
		return s.checkRange(f, value)
	case KindEnum:
		if slices.Contains(s.Enum, value) {
			return nil
		}
		// GStreamer also accepts the numeric value of an enum
		if n, err := strconv.Atoi(value); err == nil && n >= 0 && n < len(s.Enum) {
			return nil
		}
		return fmt.Errorf("%w: %q is not one of %s", engine.ErrInvalidValue, value, strings.Join(s.Enum, ", "))
	}
	return nil
}

func (s PropSpec) checkRange(v float64, raw string) error {
	if s.Range == [2]float64{} {
		return nil
	}
	if v < s.Range[0] || v > s.Range[1] {
		return fmt.Errorf("%w: %s out of range [%g, %g]", engine.ErrInvalidValue, raw, s.Range[0], s.Range[1])
	}
	return nil
}

// Factory describes an element type known to the engine
type Factory struct {
	Name      string
	Pads      Pads
	Props     map[string]PropSpec
	TagSetter bool
}

func (f *Factory) hasSink() bool   { return f.Pads&(PadSink|PadMultiSink) != 0 }
func (f *Factory) hasSource() bool { return f.Pads&(PadSource|PadMultiSource) != 0 }

var (
	boolProp  = PropSpec{Kind: KindBool}
	intProp   = PropSpec{Kind: KindInt}
	uintProp  = PropSpec{Kind: KindUint}
	floatProp = PropSpec{Kind: KindFloat}
	strProp   = PropSpec{Kind: KindString}
)

func enumProp(nicks ...string) PropSpec {
	return PropSpec{Kind: KindEnum, Enum: nicks}
}

func rangeProp(kind PropKind, lo, hi float64) PropSpec {
	return PropSpec{Kind: kind, Range: [2]float64{lo, hi}}
}

func withSinkProps(props map[string]PropSpec) map[string]PropSpec {
	props["sync"] = boolProp
	props["async"] = boolProp
	props["qos"] = boolProp
	return props
}

// DefaultCatalog returns the factories the in-memory engine knows about
func DefaultCatalog() []Factory {
	return []Factory{
		// Sources
		{Name: "videotestsrc", Pads: padsSource, Props: map[string]PropSpec{
			"pattern":     enumProp("smpte", "snow", "black", "white", "red", "green", "blue", "checkers-1", "checkers-2", "checkers-4", "checkers-8", "circular", "blink", "smpte75", "zone-plate", "gamut", "chroma-zone-plate", "solid-color", "ball", "smpte100", "bar", "pinwheel", "spokes", "gradient", "colors"),
			"is-live":     boolProp,
			"num-buffers": intProp,
		}},
		{Name: "audiotestsrc", Pads: padsSource, Props: map[string]PropSpec{
			"wave":        enumProp("sine", "square", "saw", "triangle", "silence", "white-noise", "pink-noise", "sine-table", "ticks", "gaussian-noise", "red-noise", "blue-noise", "violet-noise"),
			"freq":        rangeProp(KindFloat, 0, 20000),
			"volume":      floatProp,
			"is-live":     boolProp,
			"num-buffers": intProp,
		}},
		{Name: "v4l2src", Pads: padsSource, Props: map[string]PropSpec{
			"device":       strProp,
			"do-timestamp": boolProp,
			"num-buffers":  intProp,
		}},
		{Name: "pipewiresrc", Pads: padsSource, Props: map[string]PropSpec{
			"path":         strProp,
			"fd":           intProp,
			"do-timestamp": boolProp,
			"num-buffers":  intProp,
		}},
		{Name: "filesrc", Pads: padsSource, Props: map[string]PropSpec{
			"location": strProp,
		}},
		{Name: "uridecodebin", Pads: PadSource | PadMultiSource, Props: map[string]PropSpec{
			"uri":           strProp,
			"buffer-size":   intProp,
			"use-buffering": boolProp,
		}},

		// Demuxing and decoding
		{Name: "decodebin", Pads: PadSink | PadSource | PadMultiSource, Props: map[string]PropSpec{
			"max-size-buffers": uintProp,
			"use-buffering":    boolProp,
		}},

		// Filters
		{Name: "identity", Pads: padsFilter, Props: map[string]PropSpec{
			"silent":                    boolProp,
			"sync":                      boolProp,
			"dump":                      boolProp,
			"single-segment":            boolProp,
			"signal-handoffs":           boolProp,
			"check-imperfect-timestamp": boolProp,
			"drop-probability":          rangeProp(KindFloat, 0, 1),
			"datarate":                  intProp,
			"sleep-time":                uintProp,
			"error-after":               intProp,
		}},
		{Name: "videoconvert", Pads: padsFilter, Props: map[string]PropSpec{
			"qos":              boolProp,
			"n-threads":        uintProp,
			"dither":           enumProp("none", "verterr", "floyd-steinberg", "sierra-lite", "bayer"),
			"chroma-resampler": enumProp("nearest", "linear", "cubic", "sinc", "lanczos"),
		}},
		{Name: "videoconvertscale", Pads: padsFilter, Props: map[string]PropSpec{
			"qos":         boolProp,
			"n-threads":   uintProp,
			"add-borders": boolProp,
		}},
		{Name: "videoscale", Pads: padsFilter, Props: map[string]PropSpec{
			"method":      enumProp("nearest-neighbour", "bilinear", "4-tap", "lanczos", "bilinear2", "sinc", "hermite", "spline", "catrom", "mitchell"),
			"add-borders": boolProp,
			"n-threads":   uintProp,
		}},
		{Name: "videorate", Pads: padsFilter, Props: map[string]PropSpec{
			"max-rate":  intProp,
			"drop-only": boolProp,
		}},
		{Name: "videoflip", Pads: padsFilter, Props: map[string]PropSpec{
			"method":          enumProp("none", "clockwise", "rotate-180", "counterclockwise", "horizontal-flip", "vertical-flip", "upper-left-diagonal", "upper-right-diagonal", "automatic"),
			"video-direction": enumProp("identity", "90r", "180", "90l", "horiz", "vert", "ul-lr", "ur-ll", "auto"),
		}},
		{Name: "videobalance", Pads: padsFilter, Props: map[string]PropSpec{
			"brightness": rangeProp(KindFloat, -1, 1),
			"contrast":   rangeProp(KindFloat, 0, 2),
			"saturation": rangeProp(KindFloat, 0, 2),
			"hue":        rangeProp(KindFloat, -1, 1),
		}},
		{Name: "capsfilter", Pads: padsFilter, Props: map[string]PropSpec{
			"caps": strProp,
		}},
		{Name: "glupload", Pads: padsFilter, Props: map[string]PropSpec{}},
		{Name: "glcolorconvert", Pads: padsFilter, Props: map[string]PropSpec{}},
		{Name: "gldownload", Pads: padsFilter, Props: map[string]PropSpec{}},
		{Name: "queue", Pads: padsFilter, Props: map[string]PropSpec{
			"max-size-buffers": uintProp,
			"max-size-bytes":   uintProp,
			"max-size-time":    uintProp,
			"leaky":            enumProp("no", "upstream", "downstream"),
			"silent":           boolProp,
		}},
		{Name: "queue2", Pads: padsFilter, Props: map[string]PropSpec{
			"max-size-buffers": uintProp,
			"max-size-bytes":   uintProp,
			"use-buffering":    boolProp,
		}},
		{Name: "audioconvert", Pads: padsFilter, Props: map[string]PropSpec{
			"dithering":     enumProp("none", "rpdf", "tpdf", "tpdf-hf"),
			"noise-shaping": enumProp("none", "error-feedback", "simple", "medium", "high"),
		}},
		{Name: "audioresample", Pads: padsFilter, Props: map[string]PropSpec{
			"quality": rangeProp(KindInt, 0, 10),
		}},
		{Name: "volume", Pads: padsFilter, Props: map[string]PropSpec{
			"volume": rangeProp(KindFloat, 0, 10),
			"mute":   boolProp,
		}},
		{Name: "taginject", Pads: padsFilter, TagSetter: true, Props: map[string]PropSpec{
			"tags":  strProp,
			"scope": enumProp("stream", "global"),
		}},

		// Stream routing
		{Name: "input-selector", Pads: PadMultiSink | PadSource, Props: map[string]PropSpec{
			"sync-mode":     enumProp("active-segment", "clock"),
			"sync-streams":  boolProp,
			"cache-buffers": boolProp,
		}},
		{Name: "output-selector", Pads: PadSink | PadMultiSource, Props: map[string]PropSpec{
			"pad-negotiation-mode": enumProp("none", "all", "active"),
		}},
		{Name: "tee", Pads: PadSink | PadMultiSource, Props: map[string]PropSpec{
			"allow-not-linked": boolProp,
		}},

		// Muxers
		{Name: "mp4mux", Pads: PadMultiSink | PadSource, TagSetter: true, Props: map[string]PropSpec{
			"faststart":         boolProp,
			"fragment-duration": uintProp,
		}},
		{Name: "matroskamux", Pads: PadMultiSink | PadSource, TagSetter: true, Props: map[string]PropSpec{
			"writing-app": strProp,
			"streamable":  boolProp,
		}},
		{Name: "id3v2mux", Pads: padsFilter, TagSetter: true, Props: map[string]PropSpec{}},

		// Sinks
		{Name: "appsink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{
			"emit-signals": boolProp,
			"max-buffers":  uintProp,
			"drop":         boolProp,
			"caps":         strProp,
		})},
		{Name: "fakesink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{
			"silent":          boolProp,
			"signal-handoffs": boolProp,
			"dump":            boolProp,
		})},
		{Name: "fakevideosink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{})},
		{Name: "autovideosink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{})},
		{Name: "autoaudiosink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{})},
		{Name: "filesink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{
			"location": strProp,
			"append":   boolProp,
		})},
		{Name: "fdsink", Pads: padsSink, Props: withSinkProps(map[string]PropSpec{
			"fd": intProp,
		})},
	}
}
