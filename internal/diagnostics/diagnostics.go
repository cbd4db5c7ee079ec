// Package diagnostics renders registered graphs for humans and test harnesses.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emicklei/dot"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
)

// Node is a serialisable view of one element
type Node struct {
	Name       string            `json:"name" yaml:"name"`
	Factory    string            `json:"factory" yaml:"factory"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Downstream []string          `json:"downstream,omitempty" yaml:"downstream,omitempty"`
	Children   []Node            `json:"children,omitempty" yaml:"children,omitempty"`
}

// Graph is a snapshot of a whole pipeline
type Graph struct {
	Name     string `json:"name" yaml:"name"`
	State    string `json:"state,omitempty" yaml:"state,omitempty"`
	Elements []Node `json:"elements" yaml:"elements"`
}

// Snapshot copies the structure below bin
func Snapshot(bin engine.Bin) Graph {
	g := Graph{Name: bin.Name(), Elements: children(bin)}
	if p, ok := bin.(engine.Pipeline); ok {
		g.State = p.State().String()
	}
	return g
}

// Describe returns the view of a single element; bins include their children
func Describe(e engine.Element) Node {
	n := Node{
		Name:       e.Name(),
		Factory:    e.Factory(),
		Properties: e.Properties(),
		Downstream: e.Downstream(),
	}
	if len(n.Properties) == 0 {
		n.Properties = nil
	}
	if len(n.Downstream) == 0 {
		n.Downstream = nil
	}
	if b, ok := e.(engine.Bin); ok {
		n.Children = children(b)
	}
	return n
}

func children(bin engine.Bin) []Node {
	elems := bin.Elements()
	out := make([]Node, 0, len(elems))
	for _, e := range elems {
		out = append(out, Describe(e))
	}
	return out
}

// Names lists every element name in the snapshot, depth-first
func (g Graph) Names() []string {
	var names []string
	var walk func([]Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			names = append(names, n.Name)
			walk(n.Children)
		}
	}
	walk(g.Elements)
	return names
}

// WriteTree prints an indented outline of the graph
func WriteTree(w io.Writer, g Graph) error {
	header := g.Name
	if g.State != "" {
		header += " [" + g.State + "]"
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	return writeNodes(w, g.Elements, 1)
}

func writeNodes(w io.Writer, nodes []Node, depth int) error {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		line := fmt.Sprintf("%s%s (%s)", indent, n.Name, n.Factory)
		if len(n.Properties) > 0 {
			line += " " + formatProps(n.Properties)
		}
		if len(n.Downstream) > 0 {
			line += " -> " + strings.Join(n.Downstream, ", ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		if err := writeNodes(w, n.Children, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func formatProps(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+props[k])
	}
	return strings.Join(parts, " ")
}

// WriteDOT renders the graph in Graphviz format. Bins with children become clusters and an
// edge into or out of one attaches to its first or last leaf.
func WriteDOT(w io.Writer, g Graph) error {
	out := dot.NewGraph(dot.Directed)
	out.Attr("label", g.Name)
	out.Attr("rankdir", "LR")

	nodes := make(map[string]dot.Node)
	heads := make(map[string]string)
	tails := make(map[string]string)
	var all []Node

	var add func(parent *dot.Graph, list []Node)
	add = func(parent *dot.Graph, list []Node) {
		for _, n := range list {
			all = append(all, n)
			heads[n.Name] = firstLeaf(n)
			tails[n.Name] = lastLeaf(n)
			if len(n.Children) > 0 {
				sub := parent.Subgraph(n.Name, dot.ClusterOption{})
				sub.Attr("label", n.Name)
				add(sub, n.Children)
				continue
			}
			nodes[n.Name] = leafNode(parent, n.Name, n.Name+"\n"+n.Factory)
		}
	}
	add(out, g.Elements)

	lookup := func(name string, anchors map[string]string) dot.Node {
		if leaf, ok := anchors[name]; ok {
			name = leaf
		}
		if n, ok := nodes[name]; ok {
			return n
		}
		// linked to something outside the snapshot
		n := leafNode(out, name, name)
		n.Attr("style", "dashed")
		nodes[name] = n
		return n
	}
	for _, n := range all {
		for _, d := range n.Downstream {
			out.Edge(lookup(n.Name, tails), lookup(d, heads))
		}
	}

	_, err := io.WriteString(w, out.String())
	return err
}

func leafNode(parent *dot.Graph, name, label string) dot.Node {
	n := parent.Node(name)
	n.Attr("label", label)
	n.Attr("shape", "box")
	n.Attr("fontname", "monospace")
	return n
}

func firstLeaf(n Node) string {
	for len(n.Children) > 0 {
		n = n.Children[0]
	}
	return n.Name
}

func lastLeaf(n Node) string {
	for len(n.Children) > 0 {
		n = n.Children[len(n.Children)-1]
	}
	return n.Name
}

// DumpDOT writes <dir>/<prefix>.dot and returns its path
func DumpDOT(dir, prefix string, g Graph) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dump directory: %w", err)
	}
	path := filepath.Join(dir, prefix+".dot")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	if err := WriteDOT(f, g); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// WaitForElement polls the registry until the player's graph contains name. The returned
// element is only valid until the next rebuild.
func WaitForElement(ctx context.Context, reg *registry.Registry, playerID, name string, interval time.Duration) (engine.Element, error) {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if g, ok := reg.Lookup(playerID); ok {
			if el, found := g.FindByName(name); found {
				return el, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s in player %s: %w", name, playerID, ctx.Err())
		case <-ticker.C:
		}
	}
}
