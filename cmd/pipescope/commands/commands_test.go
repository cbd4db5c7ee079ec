package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/PipeScope/internal/config"
	"github.com/bryanchriswhite/PipeScope/internal/diagnostics"
	"github.com/bryanchriswhite/PipeScope/internal/engine"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/pipeline"
)

func sampleGraph() diagnostics.Graph {
	return diagnostics.Graph{
		Name:  "player",
		State: "paused",
		Elements: []diagnostics.Node{
			{Name: "src", Factory: "uridecodebin", Downstream: []string{"myConverter"}},
			{Name: "myConverter", Factory: "identity", Properties: map[string]string{"silent": "true"}},
		},
	}
}

func TestParseValue(t *testing.T) {
	v, err := parseValue("server_port", "9090")
	require.NoError(t, err)
	assert.Equal(t, 9090, v)

	_, err = parseValue("server_port", "ninety")
	require.Error(t, err)

	_, err = parseValue("log_level", "verbose")
	require.Error(t, err)

	v, err = parseValue("engine", config.EngineGStreamer)
	require.NoError(t, err)
	assert.Equal(t, config.EngineGStreamer, v)
	_, err = parseValue("engine", "ffmpeg")
	require.Error(t, err)

	v, err = parseValue("media.ready_timeout", "30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, v)

	_, err = parseValue("tracing.sample_rate", "1.5")
	require.Error(t, err)

	v, err = parseValue("tracing.enabled", "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = parseValue("dump_dir", "/tmp/graphs")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/graphs", v)
}

func TestWriteGraph_Formats(t *testing.T) {
	g := sampleGraph()

	var buf bytes.Buffer
	require.NoError(t, writeGraph(&buf, g, "json"))
	var fromJSON diagnostics.Graph
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, g, fromJSON)

	buf.Reset()
	require.NoError(t, writeGraph(&buf, g, "yaml"))
	var fromYAML diagnostics.Graph
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, g, fromYAML)

	buf.Reset()
	require.NoError(t, writeGraph(&buf, g, "dot"))
	assert.Contains(t, buf.String(), "digraph")

	buf.Reset()
	require.NoError(t, writeGraph(&buf, g, "tree"))
	assert.Contains(t, buf.String(), "myConverter")

	require.Error(t, writeGraph(&buf, g, "xml"))
}

func TestCheckChain(t *testing.T) {
	chain, err := checkChain("queue ! identity name=myConverter", config.EngineMemGraph)
	require.NoError(t, err)
	assert.Equal(t, "queue ! identity name=myConverter", chain.String())

	_, err = checkChain("identity name=", config.EngineMemGraph)
	require.Error(t, err)
	assert.True(t, override.IsParseError(err))

	_, err = checkChain("nosuchelement", config.EngineMemGraph)
	require.Error(t, err)
	assert.True(t, override.IsUnknownElement(err))

	_, err = checkChain("identity bogus=1", config.EngineMemGraph)
	require.ErrorIs(t, err, engine.ErrUnknownProperty)

	_, err = checkChain("queue max-size-buffers=x", config.EngineMemGraph)
	require.ErrorIs(t, err, engine.ErrInvalidValue)
}

func TestStageArg(t *testing.T) {
	resolver := override.NewResolver(nil, nil)
	stage, err := stageArg(resolver, "video_conversion")
	require.NoError(t, err)
	assert.Equal(t, override.StageVideoConversion, stage)

	_, err = stageArg(resolver, "subtitle_conversion")
	require.Error(t, err)
}

func testRuntime(t *testing.T) *runtime {
	t.Helper()
	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	rt, err := newRuntime(mgr, nil)
	require.NoError(t, err)
	t.Cleanup(rt.shutdown)
	return rt
}

func testClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really video"), 0644))
	return path
}

func TestInspectSource_VideoOverride(t *testing.T) {
	t.Setenv(override.EnvKey(override.StageVideoConversion), "identity name=myConverter")
	rt := testRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, g, err := inspectSource(ctx, rt, testClip(t), "myConverter")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, g.Names(), "myConverter")
	assert.Contains(t, g.Names(), "videoSink")

	_, ok := rt.registry.Lookup(id)
	assert.False(t, ok, "inspected player is closed and unregistered")
}

func TestInspectSource_BadVideoOverride(t *testing.T) {
	t.Setenv(override.EnvKey(override.StageVideoConversion), "identity bogus=1")
	rt := testRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := inspectSource(ctx, rt, testClip(t), "")
	require.Error(t, err)
	assert.True(t, pipeline.IsConstructionError(err))
}
