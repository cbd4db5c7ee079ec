package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/engine/memgraph"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
)

func buildGraph(t *testing.T) engine.Pipeline {
	t.Helper()
	eng := memgraph.New()
	p, err := eng.NewPipeline("demo")
	require.NoError(t, err)

	src, err := eng.NewElement("videotestsrc", "src")
	require.NoError(t, err)
	require.NoError(t, src.SetProperty("pattern", "ball"))

	out, err := eng.NewBin("out")
	require.NoError(t, err)
	conv, err := eng.NewElement("videoconvert", "conv")
	require.NoError(t, err)
	sink, err := eng.NewElement("fakesink", "sink")
	require.NoError(t, err)
	require.NoError(t, out.Add(conv, sink))
	require.NoError(t, conv.Link(sink))
	require.NoError(t, out.SetSinkTarget(conv))

	require.NoError(t, p.Add(src, out))
	require.NoError(t, src.Link(out))
	return p
}

func TestSnapshot(t *testing.T) {
	g := Snapshot(buildGraph(t))

	require.Equal(t, "demo", g.Name)
	require.Equal(t, "null", g.State)
	require.Equal(t, []string{"src", "out", "conv", "sink"}, g.Names())
	require.Equal(t, map[string]string{"pattern": "ball"}, g.Elements[0].Properties)
	require.Equal(t, []string{"out"}, g.Elements[0].Downstream)
	require.Len(t, g.Elements[1].Children, 2)

	data, err := json.Marshal(g)
	require.NoError(t, err)
	var back Graph
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, g, back)

	_, err = yaml.Marshal(g)
	require.NoError(t, err)
}

func TestWriteTree(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTree(&buf, Snapshot(buildGraph(t))))

	want := "demo [null]\n" +
		"  src (videotestsrc) pattern=ball -> out\n" +
		"  out (bin)\n" +
		"    conv (videoconvert) -> sink\n" +
		"    sink (fakesink)\n"
	require.Equal(t, want, buf.String())
}

// dotNodeID finds the identifier of the node carrying label
func dotNodeID(t *testing.T, out, label string) string {
	t.Helper()
	re := regexp.MustCompile(`(\w+)\s*\[[^\]]*label=` + regexp.QuoteMeta(strconv.Quote(label)))
	m := re.FindStringSubmatch(out)
	require.NotNil(t, m, "no node labelled %q in\n%s", label, out)
	return m[1]
}

func requireDOTEdge(t *testing.T, out, from, to string) {
	t.Helper()
	re := regexp.MustCompile(`\b` + dotNodeID(t, out, from) + `\s*->\s*` + dotNodeID(t, out, to) + `\b`)
	require.Regexp(t, re, out)
}

func TestWriteDOT(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDOT(&buf, Snapshot(buildGraph(t))))

	out := buf.String()
	require.Contains(t, out, "digraph")
	require.Contains(t, out, "cluster_")
	requireDOTEdge(t, out, "src\nvideotestsrc", "conv\nvideoconvert")
	requireDOTEdge(t, out, "conv\nvideoconvert", "sink\nfakesink")

	// the bin is only a cluster label, never a node of its own
	require.Equal(t, 1, strings.Count(out, `"out"`))
	require.Equal(t, 2, strings.Count(out, "->"))
}

func TestWriteDOT_EscapesNames(t *testing.T) {
	g := Graph{
		Name: `player "one"`,
		Elements: []Node{
			{Name: `my "quoted" node`, Factory: "identity", Downstream: []string{"café"}},
			{Name: "café", Factory: "identity", Downstream: []string{"a;b -> c {}"}},
			{Name: "a;b -> c {}", Factory: "fakesink"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteDOT(&buf, g))
	out := buf.String()

	require.Contains(t, out, `player \"one\"`)
	requireDOTEdge(t, out, "my \"quoted\" node\nidentity", "café\nidentity")
	requireDOTEdge(t, out, "café\nidentity", "a;b -> c {}\nfakesink")
	require.Equal(t, 2, strings.Count(out, "->")-strings.Count(out, "a;b -> c"))
}

func TestDumpDOT(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	path, err := DumpDOT(dir, "player-1", Snapshot(buildGraph(t)))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "player-1.dot"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "digraph")
}

func TestWaitForElement(t *testing.T) {
	reg := registry.New(nil)
	g := buildGraph(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Register("p1", g)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	el, err := WaitForElement(ctx, reg, "p1", "conv", 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "videoconvert", el.Factory())
}

func TestWaitForElement_Timeout(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("p1", buildGraph(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := WaitForElement(ctx, reg, "p1", "missing", 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
