//go:build cgo

package gstengine

/*
#cgo pkg-config: gstreamer-1.0
#include <stdlib.h>
#include <gst/gst.h>

static void set_object_arg(void *object, const char *name, const char *value) {
	gst_util_set_object_arg(G_OBJECT(object), name, value);
}
*/
import "C"

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

var initOnce sync.Once

// Engine creates GStreamer graphs. Like memgraph, one lock guards the bookkeeping of every
// graph it creates; GStreamer keeps its own locks for the native objects.
type Engine struct {
	mu        sync.RWMutex
	factories *factoryCache
	debug     bool
}

// New initializes GStreamer once per process and returns an engine
func New() (engine.Engine, error) {
	debug := logger.EngineDebug()
	initOnce.Do(func() {
		if debug && os.Getenv("GST_DEBUG") == "" {
			_ = os.Setenv("GST_DEBUG", "3")
		}
		gst.Init(nil)
	})

	e := &Engine{debug: debug}
	e.factories = newFactoryCache(func(factory string) bool {
		return gst.Find(factory) != nil
	})
	logger.WithComponent("gstreamer").Info().Bool("debug", debug).Msg("GStreamer engine initialized")
	return e, nil
}

// Name returns "gstreamer"
func (e *Engine) Name() string {
	return "gstreamer"
}

// HasFactory asks the plugin registry, caching the answer
func (e *Engine) HasFactory(factory string) bool {
	return e.factories.has(factory)
}

func (e *Engine) logf(format string, args ...interface{}) {
	if !e.debug {
		return
	}
	logger.WithComponent("gstreamer").Debug().Msgf(format, args...)
}

// NewElement instantiates a registry factory
func (e *Engine) NewElement(factory, name string) (engine.Element, error) {
	if !e.HasFactory(factory) {
		return nil, &engine.UnknownFactoryError{Factory: factory}
	}

	var (
		el  *gst.Element
		err error
	)
	if name == "" {
		el, err = gst.NewElement(factory)
	} else {
		el, err = gst.NewElementWithName(factory, name)
	}
	if err != nil {
		// the plugin may have been removed since it was cached
		e.factories.forget(factory)
		return nil, fmt.Errorf("creating %s: %w", factory, err)
	}

	elem := &Element{node: newNode(e, el, factory)}
	elem.self = elem
	e.logf("created element %s (%s)", elem.name, factory)
	return elem, nil
}

// NewBin creates an empty container
func (e *Engine) NewBin(name string) (engine.Bin, error) {
	b := gst.NewBin(name)
	if b == nil {
		return nil, fmt.Errorf("creating bin %q failed", name)
	}
	bin := &Bin{node: newNode(e, b.Element, "bin"), bin: b}
	bin.self = bin
	e.logf("created bin %s", bin.name)
	return bin, nil
}

// NewPipeline creates a top-level graph in the null state
func (e *Engine) NewPipeline(name string) (engine.Pipeline, error) {
	p, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline %q: %w", name, err)
	}
	bin := &Bin{node: newNode(e, p.Element, "pipeline"), bin: p.Bin}
	pipe := &Pipeline{Bin: bin, pipeline: p}
	bin.self = pipe
	bin.owner = pipe
	e.logf("created pipeline %s", bin.name)
	return pipe, nil
}

// node is the bookkeeping shared by elements, bins and pipelines
type node struct {
	eng     *Engine
	el      *gst.Element
	self    engine.Element
	name    string
	factory string

	props      map[string]string
	downstream []string
	parent     *Bin
	owner      *Pipeline
}

func newNode(e *Engine, el *gst.Element, factory string) *node {
	return &node{
		eng:     e,
		el:      el,
		name:    el.GetName(),
		factory: factory,
		props:   make(map[string]string),
	}
}

// closed reports whether n belongs to a closed pipeline; caller holds the lock
func (n *node) closed() bool {
	r := n
	for r.parent != nil {
		r = r.parent.node
	}
	return r.owner != nil && r.owner.closed
}

func (n *node) root() *node {
	r := n
	for r.parent != nil {
		r = r.parent.node
	}
	return r
}

// Element wraps a plain GStreamer element
type Element struct {
	*node
}

// Name returns the instance name
func (n *node) Name() string {
	n.eng.mu.RLock()
	defer n.eng.mu.RUnlock()
	return n.name
}

// Factory returns the factory name
func (n *node) Factory() string {
	return n.factory
}

// SetProperty parses value the way gst-launch does and assigns it
func (n *node) SetProperty(key, value string) error {
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()

	if n.closed() {
		return engine.ErrClosed
	}

	if key == "name" {
		if n.parent != nil {
			return fmt.Errorf("cannot rename %s: already inside %s", n.name, n.parent.name)
		}
		if value == "" {
			return fmt.Errorf("%w: empty name", engine.ErrInvalidValue)
		}
		if err := n.el.SetProperty("name", value); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrInvalidValue, err)
		}
		n.name = value
		return nil
	}

	typ, err := n.el.GetPropertyType(key)
	if err != nil {
		return fmt.Errorf("%w: %s has no property %q", engine.ErrUnknownProperty, n.factory, key)
	}
	if err := checkValue(typ, value); err != nil {
		return fmt.Errorf("%s.%s: %w: %q: %v", n.name, key, engine.ErrInvalidValue, value, err)
	}

	ckey := C.CString(key)
	cval := C.CString(value)
	defer C.free(unsafe.Pointer(ckey))
	defer C.free(unsafe.Pointer(cval))
	C.set_object_arg(n.el.Unsafe(), ckey, cval)

	n.props[key] = value
	n.eng.logf("set %s.%s=%s", n.name, key, value)
	return nil
}

// checkValue rejects text that cannot convert to a fundamental type. Enums, flags and
// boxed values are left to GStreamer's own parser.
func checkValue(typ glib.Type, value string) error {
	var err error
	switch typ {
	case glib.TYPE_BOOLEAN:
		_, err = strconv.ParseBool(value)
	case glib.TYPE_INT, glib.TYPE_LONG:
		_, err = strconv.ParseInt(value, 0, 64)
	case glib.TYPE_UINT, glib.TYPE_ULONG:
		_, err = strconv.ParseUint(value, 0, 64)
	case glib.TYPE_INT64:
		_, err = strconv.ParseInt(value, 0, 64)
	case glib.TYPE_UINT64:
		_, err = strconv.ParseUint(value, 0, 64)
	case glib.TYPE_FLOAT, glib.TYPE_DOUBLE:
		_, err = strconv.ParseFloat(value, 64)
	}
	return err
}

// Properties returns a copy of the explicitly set properties
func (n *node) Properties() map[string]string {
	n.eng.mu.RLock()
	defer n.eng.mu.RUnlock()
	out := make(map[string]string, len(n.props))
	for k, v := range n.props {
		out[k] = v
	}
	return out
}

// Downstream returns names of linked peers in link order
func (n *node) Downstream() []string {
	n.eng.mu.RLock()
	defer n.eng.mu.RUnlock()
	return append([]string(nil), n.downstream...)
}

// Link connects n's output to dst's input. Elements whose outputs only appear at runtime,
// such as uridecodebin, are linked as soon as a compatible pad shows up.
func (n *node) Link(dst engine.Element) error {
	dn, ok := nodeOf(dst)
	if !ok || dn.eng != n.eng {
		return fmt.Errorf("%w: %s belongs to another engine", engine.ErrLinkRefused, dst.Name())
	}

	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()

	if n.closed() || dn.closed() {
		return engine.ErrClosed
	}
	if n == dn {
		return fmt.Errorf("%w: cannot link %s to itself", engine.ErrLinkRefused, n.name)
	}
	if n.root() != dn.root() || n.parent == nil {
		return fmt.Errorf("%w: %s and %s are not in the same pipeline", engine.ErrLinkRefused, n.name, dn.name)
	}

	if err := n.el.Link(dn.el); err != nil {
		if n.el.GetStaticPad("src") != nil {
			return fmt.Errorf("%w: %s -> %s: %v", engine.ErrLinkRefused, n.name, dn.name, err)
		}
		if err := n.linkOnPadAdded(dn); err != nil {
			return err
		}
	}

	n.downstream = append(n.downstream, dn.name)
	n.eng.logf("linked %s -> %s", n.name, dn.name)
	return nil
}

func (n *node) linkOnPadAdded(dn *node) error {
	log := logger.WithComponent("gstreamer")
	src, dst := n.name, dn.name
	target := dn.el
	_, err := n.el.Connect("pad-added", func(self *gst.Element, pad *gst.Pad) {
		sink := target.GetStaticPad("sink")
		if sink == nil {
			sink = target.GetRequestPad("sink_%u")
		}
		if sink == nil || sink.IsLinked() {
			return
		}
		if ret := pad.Link(sink); ret != gst.PadLinkOK {
			log.Warn().Str("src", src).Str("dst", dst).Int("result", int(ret)).Msg("Deferred link failed")
			return
		}
		log.Debug().Str("src", src).Str("dst", dst).Str("pad", pad.GetName()).Msg("Linked dynamic pad")
	})
	if err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", engine.ErrLinkRefused, src, dst, err)
	}
	return nil
}

// Bin wraps a GStreamer bin
type Bin struct {
	*node
	bin      *gst.Bin
	children []*node
}

// Add places elements inside the bin. Either all are added or none.
func (b *Bin) Add(elems ...engine.Element) error {
	b.eng.mu.Lock()
	defer b.eng.mu.Unlock()

	if b.closed() {
		return engine.ErrClosed
	}

	nodes := make([]*node, 0, len(elems))
	taken := make(map[string]bool)
	collectNames(b.root(), taken)

	for _, el := range elems {
		n, ok := nodeOf(el)
		if !ok || n.eng != b.eng {
			return fmt.Errorf("cannot add %v to %s: foreign element", el, b.name)
		}
		if n.parent != nil {
			return fmt.Errorf("cannot add %s to %s: already inside %s", n.name, b.name, n.parent.name)
		}
		if n.owner != nil {
			return fmt.Errorf("cannot add pipeline %s to %s", n.name, b.name)
		}
		if n == b.node || isAncestor(n, b.node) {
			return fmt.Errorf("cannot add %s to %s: would create a cycle", n.name, b.name)
		}

		subtree := make(map[string]bool)
		collectNames(n, subtree)
		for name := range subtree {
			if taken[name] {
				return fmt.Errorf("%w: %q in %s", engine.ErrDuplicateName, name, b.root().name)
			}
			taken[name] = true
		}
		nodes = append(nodes, n)
	}

	natives := make([]*gst.Element, 0, len(nodes))
	for _, n := range nodes {
		natives = append(natives, n.el)
	}
	if err := b.bin.AddMany(natives...); err != nil {
		return fmt.Errorf("adding to %s: %w", b.name, err)
	}

	for _, n := range nodes {
		n.parent = b
		b.children = append(b.children, n)
		b.eng.logf("added %s to %s", n.name, b.name)
	}
	return nil
}

// Remove takes direct children out of the bin. GStreamer unlinks their pads; the link
// bookkeeping of the remaining elements is pruned to match.
func (b *Bin) Remove(elems ...engine.Element) error {
	b.eng.mu.Lock()
	defer b.eng.mu.Unlock()

	if b.closed() {
		return engine.ErrClosed
	}

	removed := make(map[*node]bool, len(elems))
	natives := make([]*gst.Element, 0, len(elems))
	for _, el := range elems {
		n, ok := nodeOf(el)
		if !ok || n.parent != b {
			return fmt.Errorf("cannot remove %v from %s: not a direct child", el, b.name)
		}
		removed[n] = true
		natives = append(natives, n.el)
	}
	if err := b.bin.RemoveMany(natives...); err != nil {
		return fmt.Errorf("removing from %s: %w", b.name, err)
	}

	gone := make(map[string]bool)
	for n := range removed {
		collectNames(n, gone)
	}
	prune := func(n *node, inside bool) {
		kept := n.downstream[:0]
		for _, d := range n.downstream {
			if gone[d] == inside {
				kept = append(kept, d)
			}
		}
		n.downstream = kept
	}
	children := b.children[:0]
	for _, c := range b.children {
		if removed[c] {
			c.parent = nil
			eachNode(c, func(n *node) { prune(n, true) })
			b.eng.logf("removed %s from %s", c.name, b.name)
			continue
		}
		children = append(children, c)
	}
	b.children = children
	eachNode(b.root(), func(n *node) { prune(n, false) })
	return nil
}

// FindByName searches children and nested bins depth-first
func (b *Bin) FindByName(name string) (engine.Element, bool) {
	b.eng.mu.RLock()
	defer b.eng.mu.RUnlock()

	if b.closed() {
		return nil, false
	}
	if n := findNode(b, name); n != nil {
		return n.self, true
	}
	return nil, false
}

func findNode(b *Bin, name string) *node {
	for _, c := range b.children {
		if c.name == name {
			return c
		}
	}
	for _, c := range b.children {
		if child, ok := c.self.(binNode); ok {
			if n := findNode(child.gstBin(), name); n != nil {
				return n
			}
		}
	}
	return nil
}

// Elements returns the direct children in insertion order
func (b *Bin) Elements() []engine.Element {
	b.eng.mu.RLock()
	defer b.eng.mu.RUnlock()
	out := make([]engine.Element, 0, len(b.children))
	for _, c := range b.children {
		out = append(out, c.self)
	}
	return out
}

// SetSinkTarget exposes child's sink pad as a ghost pad on the bin
func (b *Bin) SetSinkTarget(child engine.Element) error {
	return b.ghost(child, "sink")
}

// SetSourceTarget exposes child's src pad as a ghost pad on the bin
func (b *Bin) SetSourceTarget(child engine.Element) error {
	return b.ghost(child, "src")
}

func (b *Bin) ghost(child engine.Element, direction string) error {
	n, ok := nodeOf(child)
	if !ok {
		return fmt.Errorf("cannot target foreign element in %s", b.Name())
	}

	b.eng.mu.Lock()
	defer b.eng.mu.Unlock()

	if n.parent != b {
		return fmt.Errorf("%s is not a direct child of %s", n.name, b.name)
	}
	pad := n.el.GetStaticPad(direction)
	if pad == nil {
		return fmt.Errorf("%w: %s (%s) has no %s pad", engine.ErrLinkRefused, n.name, n.factory, direction)
	}
	ghost := gst.NewGhostPad(direction, pad)
	if ghost == nil {
		return fmt.Errorf("%w: cannot ghost %s.%s", engine.ErrLinkRefused, n.name, direction)
	}
	if !b.bin.AddPad(ghost.Pad) {
		return fmt.Errorf("%w: %s already exposes a %s pad", engine.ErrLinkRefused, b.name, direction)
	}
	return nil
}

type binNode interface {
	gstBin() *Bin
}

func (b *Bin) gstBin() *Bin { return b }

// Pipeline is a top-level bin with a lifecycle
type Pipeline struct {
	*Bin
	pipeline *gst.Pipeline
	state    engine.State
	closed   bool
	handler  func(engine.Message)
	busDone  chan struct{}
}

var _ engine.MessageSource = (*Pipeline)(nil)

// busPoll bounds how long the bus goroutine blocks before checking for Close
const busPoll = 100 * time.Millisecond

// OnMessage sets the handler for buffering and end-of-stream messages. The first call
// starts a goroutine that drains the pipeline bus until Close.
func (p *Pipeline) OnMessage(fn func(engine.Message)) {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()

	p.handler = fn
	if p.closed || p.busDone != nil {
		return
	}
	p.busDone = make(chan struct{})
	go p.watchBus(p.pipeline.GetPipelineBus(), p.busDone)
}

func (p *Pipeline) watchBus(bus *gst.Bus, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		msg := bus.TimedPop(busPoll)
		if msg == nil {
			continue
		}
		var out engine.Message
		switch msg.Type() {
		case gst.MessageBuffering:
			out = engine.Message{Type: engine.MessageBuffering, Source: msg.Source(), Percent: msg.ParseBuffering()}
		case gst.MessageEOS:
			out = engine.Message{Type: engine.MessageEOS, Source: msg.Source()}
		default:
			continue
		}

		p.eng.mu.RLock()
		fn := p.handler
		p.eng.mu.RUnlock()
		if fn != nil {
			fn(out)
		}
	}
}

var nativeStates = map[engine.State]gst.State{
	engine.StateNull:    gst.StateNull,
	engine.StateReady:   gst.StateReady,
	engine.StatePaused:  gst.StatePaused,
	engine.StatePlaying: gst.StatePlaying,
}

// SetState asks GStreamer for a state change. Asynchronous transitions count as accepted.
func (p *Pipeline) SetState(state engine.State) error {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()

	if p.closed {
		return engine.ErrClosed
	}
	native, ok := nativeStates[state]
	if !ok {
		return fmt.Errorf("invalid state %v", state)
	}
	if err := p.pipeline.SetState(native); err != nil {
		return fmt.Errorf("pipeline %s: %s -> %s: %w", p.name, p.state, state, err)
	}
	p.eng.logf("pipeline %s: %s -> %s", p.name, p.state, state)
	p.state = state
	return nil
}

// State returns the last requested state
func (p *Pipeline) State() engine.State {
	p.eng.mu.RLock()
	defer p.eng.mu.RUnlock()
	return p.state
}

// Close moves the pipeline to null and invalidates it
func (p *Pipeline) Close() error {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()

	if p.closed {
		return nil
	}
	err := p.pipeline.SetState(gst.StateNull)
	p.state = engine.StateNull
	p.closed = true
	p.handler = nil
	if p.busDone != nil {
		close(p.busDone)
	}
	p.eng.logf("pipeline %s closed", p.name)
	return err
}

func nodeOf(e engine.Element) (*node, bool) {
	switch v := e.(type) {
	case *Element:
		if v == nil {
			return nil, false
		}
		return v.node, true
	case *Bin:
		if v == nil {
			return nil, false
		}
		return v.node, true
	case *Pipeline:
		if v == nil || v.Bin == nil {
			return nil, false
		}
		return v.node, true
	default:
		return nil, false
	}
}

func collectNames(n *node, into map[string]bool) {
	into[n.name] = true
	if b, ok := n.self.(binNode); ok {
		for _, c := range b.gstBin().children {
			collectNames(c, into)
		}
	}
}

// eachNode visits n and everything nested below it
func eachNode(n *node, fn func(*node)) {
	fn(n)
	if b, ok := n.self.(binNode); ok {
		for _, c := range b.gstBin().children {
			eachNode(c, fn)
		}
	}
}

func isAncestor(candidate, n *node) bool {
	for p := n.parent; p != nil; p = p.parent {
		if p.node == candidate {
			return true
		}
	}
	return false
}
