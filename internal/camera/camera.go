// Package camera exposes a capture device as a processing graph with optional
// capabilities. Callers probe for a capability and get (nil, false) when the backend
// lacks it.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/PipeScope/internal/media"
)

// Status is the lifecycle of a camera
type Status int

const (
	Unavailable Status = iota
	Inactive
	Starting
	Active
	Stopping
)

func (s Status) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Inactive:
		return "inactive"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorCode classifies camera failures
type ErrorCode int

const (
	NoError ErrorCode = iota
	CameraError
	AccessError
	ConstructionError
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case CameraError:
		return "camera_error"
	case AccessError:
		return "access_error"
	case ConstructionError:
		return "construction_error"
	default:
		return fmt.Sprintf("error(%d)", int(c))
	}
}

// MarshalText implements encoding.TextMarshaler
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

var (
	// ErrNoDevice is returned when activating without a usable device
	ErrNoDevice = errors.New("no camera device")

	// ErrUnavailable is returned when the desktop reports no camera
	ErrUnavailable = errors.New("camera unavailable")

	// ErrAccessDenied is returned when the user or the portal refuses access
	ErrAccessDenied = errors.New("camera access denied")

	// ErrOutOfRange is returned by controls for values the device cannot take
	ErrOutOfRange = errors.New("value out of range")

	// ErrUnsupported is returned for modes a control does not implement
	ErrUnsupported = errors.New("unsupported")
)

// Position is where a device faces
type Position int

const (
	UnspecifiedPosition Position = iota
	FrontFace
	BackFace
)

func (p Position) String() string {
	switch p {
	case FrontFace:
		return "front"
	case BackFace:
		return "back"
	default:
		return "unspecified"
	}
}

// Device describes how to instantiate a capture source
type Device struct {
	ID          string            `json:"id" yaml:"id"`
	Description string            `json:"description" yaml:"description"`
	Factory     string            `json:"factory" yaml:"factory"`
	Properties  map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Position    Position          `json:"-" yaml:"-"`

	// RequiresPortal devices ask xdg-desktop-portal for access before activating
	RequiresPortal bool `json:"requires_portal,omitempty" yaml:"requires_portal,omitempty"`
}

// IsNull reports whether the device names no source
func (d Device) IsNull() bool {
	return d.Factory == ""
}

// TestPatternDevice is a live videotestsrc
func TestPatternDevice() Device {
	return Device{
		ID:          "test-pattern",
		Description: "Test pattern",
		Factory:     "videotestsrc",
		Properties:  map[string]string{"pattern": "ball", "is-live": "true"},
	}
}

// V4L2Device opens a video4linux node such as /dev/video0
func V4L2Device(path string) Device {
	return Device{
		ID:          path,
		Description: "V4L2 " + path,
		Factory:     "v4l2src",
		Properties:  map[string]string{"device": path},
	}
}

// PipeWireDevice reads a PipeWire camera node granted through the portal
func PipeWireDevice(nodeID uint32) Device {
	id := fmt.Sprintf("%d", nodeID)
	return Device{
		ID:             "pipewire-" + id,
		Description:    "PipeWire node " + id,
		Factory:        "pipewiresrc",
		Properties:     map[string]string{"path": id},
		RequiresPortal: true,
	}
}

// FocusMode selects how the lens is driven
type FocusMode int

const (
	FocusModeAuto FocusMode = iota
	FocusModeManual
	FocusModeInfinity
)

// FocusControl drives the lens
type FocusControl interface {
	FocusMode() FocusMode
	IsFocusModeSupported(mode FocusMode) bool
	SetFocusMode(mode FocusMode) error
	FocusDistance() float64
	SetFocusDistance(d float64) error
}

// ExposureControl adjusts exposure. Zero ISO or shutter speed means automatic.
type ExposureControl interface {
	Compensation() float64
	SetCompensation(ev float64) error
	ISO() int
	SetManualISO(iso int) error
	SetAutoISO()
	ShutterSpeed() time.Duration
	SetManualShutterSpeed(d time.Duration) error
	SetAutoShutterSpeed()
}

// ImageProcessingControl adjusts colour balance
type ImageProcessingControl interface {
	Brightness() float64
	SetBrightness(v float64) error
	Contrast() float64
	SetContrast(v float64) error
	Saturation() float64
	SetSaturation(v float64) error
	Hue() float64
	SetHue(v float64) error
}

// Camera is a capture device with optional capabilities
type Camera interface {
	ID() string
	IsActive() bool
	SetActive(ctx context.Context, active bool) error
	Status() Status
	Device() Device
	SetDevice(ctx context.Context, d Device) error
	SetVideoSink(ctx context.Context, sink media.VideoSink) error

	Focus() (FocusControl, bool)
	Exposure() (ExposureControl, bool)
	ImageProcessing() (ImageProcessingControl, bool)

	AddEventSink(s EventSink) SinkID
	RemoveEventSink(id SinkID)
}

// EventSink receives camera notifications, never while the camera's lock is held
type EventSink interface {
	OnActiveChanged(active bool)
	OnStatusChanged(status Status)
	OnError(code ErrorCode, message string)
}

// EventSinkFuncs adapts plain functions to EventSink; nil fields are skipped
type EventSinkFuncs struct {
	ActiveChanged func(bool)
	StatusChanged func(Status)
	Error         func(ErrorCode, string)
}

func (f EventSinkFuncs) OnActiveChanged(active bool) {
	if f.ActiveChanged != nil {
		f.ActiveChanged(active)
	}
}

func (f EventSinkFuncs) OnStatusChanged(s Status) {
	if f.StatusChanged != nil {
		f.StatusChanged(s)
	}
}

func (f EventSinkFuncs) OnError(code ErrorCode, message string) {
	if f.Error != nil {
		f.Error(code, message)
	}
}

// SinkID identifies a registration for RemoveEventSink
type SinkID uint64

// Notifier fans events out to registered sinks in registration order
type Notifier struct {
	mu    sync.RWMutex
	next  SinkID
	sinks map[SinkID]EventSink
	order []SinkID
}

// Add registers s
func (n *Notifier) Add(s EventSink) SinkID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sinks == nil {
		n.sinks = make(map[SinkID]EventSink)
	}
	n.next++
	n.sinks[n.next] = s
	n.order = append(n.order, n.next)
	return n.next
}

// Remove drops a registration; unknown IDs are ignored
func (n *Notifier) Remove(id SinkID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sinks[id]; !ok {
		return
	}
	delete(n.sinks, id)
	for i, v := range n.order {
		if v == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered sinks
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}

func (n *Notifier) snapshot() []EventSink {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]EventSink, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.sinks[id])
	}
	return out
}

// ActiveChanged notifies every sink
func (n *Notifier) ActiveChanged(active bool) {
	for _, s := range n.snapshot() {
		s.OnActiveChanged(active)
	}
}

// StatusChanged notifies every sink
func (n *Notifier) StatusChanged(status Status) {
	for _, s := range n.snapshot() {
		s.OnStatusChanged(status)
	}
}

// Error notifies every sink
func (n *Notifier) Error(code ErrorCode, message string) {
	for _, s := range n.snapshot() {
		s.OnError(code, message)
	}
}

// notice is an event captured under the camera lock and delivered after it
type notice func(n *Notifier)

type notices []notice

func (ns *notices) status(s Status) {
	*ns = append(*ns, func(n *Notifier) { n.StatusChanged(s) })
}

func (ns *notices) active(a bool) {
	*ns = append(*ns, func(n *Notifier) { n.ActiveChanged(a) })
}

func (ns *notices) err(code ErrorCode, msg string) {
	*ns = append(*ns, func(n *Notifier) { n.Error(code, msg) })
}

func (ns notices) deliver(n *Notifier) {
	for _, f := range ns {
		f(n)
	}
}
