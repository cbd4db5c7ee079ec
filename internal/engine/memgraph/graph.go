// Package memgraph is an in-memory streaming graph engine.
//
// It models topology only: factories, names, properties, containment and links. No data
// flows. It enforces the same structural rules GStreamer does (unique names per pipeline,
// links only within one pipeline, pad availability) so graphs built against it are
// representative of what a native engine would accept.
package memgraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

const (
	binFactory      = "bin"
	pipelineFactory = "pipeline"
)

// Engine is the in-memory engine. A single lock guards every graph it creates.
type Engine struct {
	mu       sync.RWMutex
	catalog  map[string]*Factory
	counters map[string]int
	debug    bool
}

// New creates an engine with the default catalog
func New() *Engine {
	return NewWithCatalog(DefaultCatalog()...)
}

// NewWithCatalog creates an engine knowing only the given factories
func NewWithCatalog(factories ...Factory) *Engine {
	e := &Engine{
		catalog:  make(map[string]*Factory, len(factories)),
		counters: make(map[string]int),
		debug:    logger.EngineDebug(),
	}
	for _, f := range factories {
		e.Register(f)
	}
	return e
}

// Register adds or replaces a factory
func (e *Engine) Register(f Factory) {
	if f.Props == nil {
		f.Props = map[string]PropSpec{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.catalog[f.Name] = &f
}

// Name returns "memgraph"
func (e *Engine) Name() string {
	return "memgraph"
}

// HasFactory reports whether the factory is in the catalog
func (e *Engine) HasFactory(factory string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.catalog[factory]
	return ok
}

// Factories lists the catalog, sorted
func (e *Engine) Factories() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.catalog))
	for name := range e.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory returns a factory description
func (e *Engine) Factory(name string) (Factory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.catalog[name]
	if !ok {
		return Factory{}, false
	}
	return *f, true
}

// autoName picks "<factory><n>" the way GStreamer does; caller holds the lock
func (e *Engine) autoName(factory string) string {
	n := e.counters[factory]
	e.counters[factory] = n + 1
	return fmt.Sprintf("%s%d", factory, n)
}

// NewElement instantiates a catalog factory
func (e *Engine) NewElement(factory, name string) (engine.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.catalog[factory]
	if !ok {
		return nil, &engine.UnknownFactoryError{Factory: factory}
	}
	if name == "" {
		name = e.autoName(factory)
	}

	el := &Element{}
	el.node = newNode(e, name, f, el)
	e.logf("created element %s (%s)", name, factory)
	return el, nil
}

// NewBin creates an empty container
func (e *Engine) NewBin(name string) (engine.Bin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		name = e.autoName(binFactory)
	}
	b := &Bin{}
	b.node = newNode(e, name, &Factory{Name: binFactory, Props: map[string]PropSpec{}}, b)
	e.logf("created bin %s", name)
	return b, nil
}

// NewPipeline creates a top-level graph in the null state
func (e *Engine) NewPipeline(name string) (engine.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		name = e.autoName(pipelineFactory)
	}
	p := &Pipeline{state: engine.StateNull}
	p.Bin = &Bin{}
	p.node = newNode(e, name, &Factory{Name: pipelineFactory, Props: map[string]PropSpec{}}, p)
	p.pipeline = p
	e.logf("created pipeline %s", name)
	return p, nil
}

func (e *Engine) logf(format string, args ...interface{}) {
	if !e.debug {
		return
	}
	logger.WithComponent("memgraph").Debug().Msgf(format, args...)
}

// node is the state shared by elements, bins and pipelines
type node struct {
	eng        *Engine
	self       engine.Element
	name       string
	factory    *Factory
	props      map[string]string
	parent     *Bin
	downstream []*node
	inLinks    int
	outLinks   int
	tags       map[string]string
	pipeline   *Pipeline // set on the pipeline's own node only
}

func newNode(e *Engine, name string, f *Factory, self engine.Element) *node {
	return &node{
		eng:     e,
		self:    self,
		name:    name,
		factory: f,
		props:   make(map[string]string),
	}
}

// root returns the outermost container; caller holds the lock
func (n *node) root() *node {
	r := n
	for r.parent != nil {
		r = r.parent.node
	}
	return r
}

// closed reports whether n belongs to a closed pipeline; caller holds the lock
func (n *node) closed() bool {
	r := n.root()
	return r.pipeline != nil && r.pipeline.closed
}

// Name returns the instance name
func (n *node) Name() string {
	n.eng.mu.RLock()
	defer n.eng.mu.RUnlock()
	return n.name
}

// Factory returns the factory name
func (n *node) Factory() string {
	return n.factory.Name
}

// SetProperty validates and stores a property
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
		n.name = value
		return nil
	}

	spec, ok := n.factory.Props[key]
	if !ok {
		return fmt.Errorf("%w: %s has no property %q", engine.ErrUnknownProperty, n.factory.Name, key)
	}
	if err := spec.Validate(value); err != nil {
		return fmt.Errorf("%s.%s: %w", n.name, key, err)
	}
	n.props[key] = value
	n.eng.logf("set %s.%s=%s", n.name, key, value)
	return nil
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
	out := make([]string, 0, len(n.downstream))
	for _, d := range n.downstream {
		out = append(out, d.name)
	}
	return out
}

// Link connects n's output to dst's input
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

	src, err := n.sourcePad()
	if err != nil {
		return err
	}
	sink, err := dn.sinkPad()
	if err != nil {
		return err
	}

	if src.outLinks > 0 && src.factory.Pads&PadMultiSource == 0 {
		return fmt.Errorf("%w: %s output already linked", engine.ErrLinkRefused, src.name)
	}
	if sink.inLinks > 0 && sink.factory.Pads&PadMultiSink == 0 {
		return fmt.Errorf("%w: %s input already linked", engine.ErrLinkRefused, sink.name)
	}

	src.outLinks++
	sink.inLinks++
	n.downstream = append(n.downstream, dn)
	n.eng.logf("linked %s -> %s", n.name, dn.name)
	return nil
}

// sourcePad resolves the element that actually produces data for n; caller holds the lock
func (n *node) sourcePad() (*node, error) {
	if b, ok := n.self.(binNode); ok {
		target := b.bin().srcTarget
		if target == nil {
			return nil, fmt.Errorf("%w: bin %s has no source pad", engine.ErrLinkRefused, n.name)
		}
		return target.sourcePad()
	}
	if !n.factory.hasSource() {
		return nil, fmt.Errorf("%w: %s (%s) has no source pad", engine.ErrLinkRefused, n.name, n.factory.Name)
	}
	return n, nil
}

// sinkPad resolves the element that actually consumes data for n; caller holds the lock
func (n *node) sinkPad() (*node, error) {
	if b, ok := n.self.(binNode); ok {
		target := b.bin().sinkTarget
		if target == nil {
			return nil, fmt.Errorf("%w: bin %s has no sink pad", engine.ErrLinkRefused, n.name)
		}
		return target.sinkPad()
	}
	if !n.factory.hasSink() {
		return nil, fmt.Errorf("%w: %s (%s) has no sink pad", engine.ErrLinkRefused, n.name, n.factory.Name)
	}
	return n, nil
}

// MergeTags stores tags on tag-setting elements and ignores them elsewhere
func (n *node) MergeTags(tags map[string]string) {
	if !n.factory.TagSetter {
		return
	}
	n.eng.mu.Lock()
	defer n.eng.mu.Unlock()
	if n.tags == nil {
		n.tags = make(map[string]string, len(tags))
	}
	for k, v := range tags {
		n.tags[k] = v
	}
}

// Tags returns the tags merged into a tag-setting element
func (n *node) Tags() map[string]string {
	n.eng.mu.RLock()
	defer n.eng.mu.RUnlock()
	out := make(map[string]string, len(n.tags))
	for k, v := range n.tags {
		out[k] = v
	}
	return out
}

// IsTagSetter reports whether the element's factory accepts tags
func (n *node) IsTagSetter() bool {
	return n.factory.TagSetter
}

// Element is a leaf node
type Element struct {
	*node
}

// Bin is a container node
type Bin struct {
	*node
	children   []*node
	sinkTarget *node
	srcTarget  *node
}

type binNode interface {
	bin() *Bin
}

func (b *Bin) bin() *Bin { return b }

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
		if n.pipeline != nil {
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

	for _, n := range nodes {
		n.parent = b
		b.children = append(b.children, n)
		b.eng.logf("added %s to %s", n.name, b.name)
	}
	return nil
}

// Remove takes direct children out of the bin. Links between a removed subtree and the
// rest of the graph are dropped; links inside it are kept.
func (b *Bin) Remove(elems ...engine.Element) error {
	b.eng.mu.Lock()
	defer b.eng.mu.Unlock()

	if b.closed() {
		return engine.ErrClosed
	}

	removed := make(map[*node]bool, len(elems))
	for _, el := range elems {
		n, ok := nodeOf(el)
		if !ok || n.parent != b {
			return fmt.Errorf("cannot remove %v from %s: not a direct child", el, b.name)
		}
		removed[n] = true
	}

	inside := make(map[*node]bool)
	for n := range removed {
		eachNode(n, func(c *node) { inside[c] = true })
	}
	drop := func(n *node) {
		kept := n.downstream[:0]
		for _, d := range n.downstream {
			if inside[n] != inside[d] {
				n.unlinkLocked(d)
				continue
			}
			kept = append(kept, d)
		}
		n.downstream = kept
	}
	eachNode(b.root(), drop)

	children := b.children[:0]
	for _, c := range b.children {
		if removed[c] {
			c.parent = nil
			b.eng.logf("removed %s from %s", c.name, b.name)
			continue
		}
		children = append(children, c)
	}
	b.children = children
	if removed[b.sinkTarget] {
		b.sinkTarget = nil
	}
	if removed[b.srcTarget] {
		b.srcTarget = nil
	}
	return nil
}

// unlinkLocked releases the pads a link n -> d holds; caller holds the lock
func (n *node) unlinkLocked(d *node) {
	if src, err := n.sourcePad(); err == nil && src.outLinks > 0 {
		src.outLinks--
	}
	if sink, err := d.sinkPad(); err == nil && sink.inLinks > 0 {
		sink.inLinks--
	}
	n.eng.logf("unlinked %s -> %s", n.name, d.name)
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
			if n := findNode(child.bin(), name); n != nil {
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

// SetSinkTarget exposes child's input as the bin's input
func (b *Bin) SetSinkTarget(child engine.Element) error {
	return b.setTarget(child, true)
}

// SetSourceTarget exposes child's output as the bin's output
func (b *Bin) SetSourceTarget(child engine.Element) error {
	return b.setTarget(child, false)
}

func (b *Bin) setTarget(child engine.Element, sink bool) error {
	n, ok := nodeOf(child)
	if !ok {
		return fmt.Errorf("cannot target foreign element in %s", b.Name())
	}

	b.eng.mu.Lock()
	defer b.eng.mu.Unlock()

	if n.parent != b {
		return fmt.Errorf("%s is not a direct child of %s", n.name, b.name)
	}
	if sink {
		if _, err := n.sinkPad(); err != nil {
			return err
		}
		b.sinkTarget = n
	} else {
		if _, err := n.sourcePad(); err != nil {
			return err
		}
		b.srcTarget = n
	}
	return nil
}

// Pipeline is a top-level bin
type Pipeline struct {
	*Bin
	state   engine.State
	closed  bool
	handler func(engine.Message)
}

var _ engine.MessageSource = (*Pipeline)(nil)

// OnMessage sets the handler that receives posted messages
func (p *Pipeline) OnMessage(fn func(engine.Message)) {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()
	p.handler = fn
}

// Post delivers msg to the handler on the caller's goroutine. No data flows in memgraph, so
// this is how buffering and end of stream are simulated. A closed pipeline drops it.
func (p *Pipeline) Post(msg engine.Message) {
	p.eng.mu.RLock()
	fn := p.handler
	closed := p.closed
	p.eng.mu.RUnlock()

	if closed || fn == nil {
		return
	}
	p.eng.logf("pipeline %s: %s from %s", p.name, msg.Type, msg.Source)
	fn(msg)
}

// SetState moves the pipeline to a new state
func (p *Pipeline) SetState(state engine.State) error {
	p.eng.mu.Lock()
	defer p.eng.mu.Unlock()

	if p.closed {
		return engine.ErrClosed
	}
	if state < engine.StateNull || state > engine.StatePlaying {
		return fmt.Errorf("invalid state %v", state)
	}
	p.eng.logf("pipeline %s: %s -> %s", p.name, p.state, state)
	p.state = state
	return nil
}

// State returns the current state
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
	p.state = engine.StateNull
	p.closed = true
	p.handler = nil
	p.eng.logf("pipeline %s closed", p.name)
	return nil
}

// Closed reports whether Close was called
func (p *Pipeline) Closed() bool {
	p.eng.mu.RLock()
	defer p.eng.mu.RUnlock()
	return p.closed
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
		for _, c := range b.bin().children {
			collectNames(c, into)
		}
	}
}

// eachNode visits n and everything nested below it
func eachNode(n *node, fn func(*node)) {
	fn(n)
	if b, ok := n.self.(binNode); ok {
		for _, c := range b.bin().children {
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
