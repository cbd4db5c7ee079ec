// Package engine defines the surface PipeScope needs from a streaming graph engine.
//
// Two implementations exist: memgraph, a pure Go topology model, and gstengine, which drives
// GStreamer through go-gst.
package engine

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a pipeline
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrClosed is returned by any operation on a closed pipeline
	ErrClosed = errors.New("pipeline closed")

	// ErrDuplicateName is returned when a name is already taken within a pipeline
	ErrDuplicateName = errors.New("duplicate element name")

	// ErrLinkRefused is returned when two elements cannot be linked
	ErrLinkRefused = errors.New("link refused")

	// ErrUnknownProperty is returned when an element has no such property
	ErrUnknownProperty = errors.New("unknown property")

	// ErrInvalidValue is returned when a property value cannot be converted
	ErrInvalidValue = errors.New("invalid property value")
)

// UnknownFactoryError reports an element type the engine cannot instantiate
type UnknownFactoryError struct {
	Factory string
}

func (e *UnknownFactoryError) Error() string {
	return fmt.Sprintf("no element factory %q", e.Factory)
}

// Engine creates pipelines, bins and elements
type Engine interface {
	// Name identifies the engine ("memgraph", "gstreamer")
	Name() string

	// NewPipeline creates a top-level graph
	NewPipeline(name string) (Pipeline, error)

	// NewBin creates a named container that can be added to a pipeline or another bin
	NewBin(name string) (Bin, error)

	// NewElement instantiates an element of the given factory.
	// An empty name lets the engine pick one.
	NewElement(factory, name string) (Element, error)

	// HasFactory reports whether the factory can be instantiated
	HasFactory(factory string) bool
}

// FactoryLister is implemented by engines that can enumerate their factories
type FactoryLister interface {
	Factories() []string
}

// Element is one node of a processing graph
type Element interface {
	Name() string
	Factory() string

	// SetProperty assigns a property from its textual form
	SetProperty(key, value string) error

	// Properties returns the properties explicitly set on the element
	Properties() map[string]string

	// Link connects this element's output to dst's input
	Link(dst Element) error

	// Downstream returns the names of the elements this one feeds
	Downstream() []string
}

// Bin is an element that contains other elements
type Bin interface {
	Element

	// Add places elements inside the bin
	Add(elems ...Element) error

	// Remove takes direct children out of the bin and drops their links
	Remove(elems ...Element) error

	// FindByName searches the bin and all nested bins
	FindByName(name string) (Element, bool)

	// Elements returns the direct children in insertion order
	Elements() []Element

	// SetSinkTarget exposes a child's input as the bin's input
	SetSinkTarget(child Element) error

	// SetSourceTarget exposes a child's output as the bin's output
	SetSourceTarget(child Element) error
}

// Pipeline is a top-level bin with a lifecycle
type Pipeline interface {
	Bin

	SetState(state State) error
	State() State

	// Close tears the graph down; every later call fails with ErrClosed
	Close() error
}

// MessageType classifies what a running pipeline reports about data flow
type MessageType int

const (
	// MessageBuffering carries the fill level of a buffering element in Percent
	MessageBuffering MessageType = iota
	// MessageEOS means every sink has consumed the end of the stream
	MessageEOS
)

func (t MessageType) String() string {
	switch t {
	case MessageBuffering:
		return "buffering"
	case MessageEOS:
		return "eos"
	default:
		return fmt.Sprintf("message(%d)", int(t))
	}
}

// Message is posted by a pipeline while data flows
type Message struct {
	Type    MessageType
	Source  string
	Percent int
}

// MessageSource is implemented by pipelines that report data flow. Handlers run on an
// engine goroutine; a later call replaces the handler and nil removes it.
type MessageSource interface {
	OnMessage(fn func(Message))
}

// TagSetter is implemented by elements that accept stream tags
type TagSetter interface {
	MergeTags(tags map[string]string)
}

// Walk visits every element below bin depth-first, parents before children.
// Returning false from fn stops the walk.
func Walk(bin Bin, fn func(e Element, depth int) bool) {
	walk(bin, 0, fn)
}

func walk(bin Bin, depth int, fn func(e Element, depth int) bool) bool {
	for _, e := range bin.Elements() {
		if !fn(e, depth) {
			return false
		}
		if child, ok := e.(Bin); ok {
			if !walk(child, depth+1, fn) {
				return false
			}
		}
	}
	return true
}
