package player

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

// MediaStatus describes how far loading the current source has come
type MediaStatus string

const (
	NoMedia      MediaStatus = "no_media"
	Loading      MediaStatus = "loading"
	Loaded       MediaStatus = "loaded"
	Stalled      MediaStatus = "stalled"
	Buffering    MediaStatus = "buffering"
	Buffered     MediaStatus = "buffered"
	EndOfMedia   MediaStatus = "end_of_media"
	InvalidMedia MediaStatus = "invalid_media"
)

// Playable reports whether playback may start from this status
func (s MediaStatus) Playable() bool {
	return s == Loaded || s == Buffered || s == EndOfMedia
}

// PlaybackState is the state requested by the application
type PlaybackState int

const (
	Stopped PlaybackState = iota
	Playing
	Paused
)

func (s PlaybackState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name
func (s PlaybackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorCode classifies player failures
type ErrorCode int

const (
	NoError ErrorCode = iota
	// ResourceError: the source could not be opened
	ResourceError
	// FormatError: the source opened but its format is not supported
	FormatError
	// ConstructionError: the processing graph could not be built, e.g. a bad override
	ConstructionError
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "none"
	case ResourceError:
		return "resource"
	case FormatError:
		return "format"
	case ConstructionError:
		return "construction"
	default:
		return fmt.Sprintf("error(%d)", int(c))
	}
}

// MarshalText renders the code by name
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

const (
	evLoad       = "load"
	evLoaded     = "loaded"
	evStall      = "stall"
	evBuffer     = "buffer"
	evBuffered   = "buffered"
	evEnd        = "end"
	evRewind     = "rewind"
	evInvalidate = "invalidate"
	evUnload     = "unload"
)

var allStatuses = []string{
	string(NoMedia), string(Loading), string(Loaded), string(Stalled),
	string(Buffering), string(Buffered), string(EndOfMedia), string(InvalidMedia),
}

func newStatusMachine(onEnter func(status string)) *fsm.FSM {
	return fsm.NewFSM(
		string(NoMedia),
		fsm.Events{
			{Name: evLoad, Src: allStatuses, Dst: string(Loading)},
			{Name: evLoaded, Src: []string{string(Loading)}, Dst: string(Loaded)},
			{Name: evStall, Src: []string{string(Loaded), string(Buffering), string(Buffered)}, Dst: string(Stalled)},
			{Name: evBuffer, Src: []string{string(Loaded), string(Stalled), string(Buffering), string(Buffered)}, Dst: string(Buffering)},
			{Name: evBuffered, Src: []string{string(Loaded), string(Stalled), string(Buffering)}, Dst: string(Buffered)},
			{Name: evEnd, Src: []string{string(Loaded), string(Buffering), string(Buffered), string(Stalled)}, Dst: string(EndOfMedia)},
			{Name: evRewind, Src: []string{string(EndOfMedia)}, Dst: string(Loaded)},
			{Name: evInvalidate, Src: allStatuses, Dst: string(InvalidMedia)},
			{Name: evUnload, Src: allStatuses, Dst: string(NoMedia)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Dst)
				}
			},
		},
	)
}

// fire runs event on the machine and reports whether the status changed
func fire(m *fsm.FSM, event string) (MediaStatus, bool) {
	err := m.Event(context.Background(), event)
	if err == nil {
		return MediaStatus(m.Current()), true
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return MediaStatus(m.Current()), false
	}
	logger.WithComponent("player").Debug().
		Str("event", event).
		Str("status", m.Current()).
		Err(err).
		Msg("Ignored status event")
	return MediaStatus(m.Current()), false
}
