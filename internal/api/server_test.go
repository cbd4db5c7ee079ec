package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/PipeScope/internal/camera"
	"github.com/bryanchriswhite/PipeScope/internal/diagnostics"
	"github.com/bryanchriswhite/PipeScope/internal/engine/memgraph"
	"github.com/bryanchriswhite/PipeScope/internal/metrics"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/player"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
)

type testServer struct {
	*Server
	http *httptest.Server
	reg  *registry.Registry
	opts player.Options
}

func newTestServer(t *testing.T, overrides override.MapSource) *testServer {
	t.Helper()
	promReg := prometheus.NewRegistry()
	collector := metrics.New(promReg)
	reg := registry.New(collector)
	opts := player.Options{
		Engine:   memgraph.New(),
		Registry: reg,
		Resolver: override.NewResolver(overrides, nil),
		Metrics:  collector,
	}
	s := NewServer(Options{Player: opts, Gatherer: promReg})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return &testServer{Server: s, http: ts, reg: reg, opts: opts}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type playerJSON struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	Status     string `json:"status"`
	State      string `json:"state"`
	Error      string `json:"error"`
	Registered bool   `json:"registered"`
}

func mediaFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("not really media"), 0644))
	return path
}

func (ts *testServer) createPlayer(t *testing.T, source string) playerJSON {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/players", CreatePlayerRequest{Source: source})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p playerJSON
	decode(t, resp, &p)
	require.NotEmpty(t, p.ID)
	return p
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCreatePlayer_GraphIsInspectable(t *testing.T) {
	ts := newTestServer(t, nil)
	p := ts.createPlayer(t, mediaFile(t, "clip.mp4"))
	assert.True(t, p.Registered)
	assert.Equal(t, "stopped", p.State)

	resp := ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var g diagnostics.Graph
	decode(t, resp, &g)
	assert.Subset(t, g.Names(), []string{
		player.VideoInputSelector, player.AudioInputSelector, player.SubtitleInputSelector,
		player.SourceElement, "videoConvert", "audioConvert",
	})

	resp = ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/elements/videoConvert", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var n diagnostics.Node
	decode(t, resp, &n)
	assert.Equal(t, "videoconvert", n.Factory)
	assert.Equal(t, []string{"videoScale"}, n.Downstream)

	resp = ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/elements/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/graph.dot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/vnd.graphviz", resp.Header.Get("Content-Type"))
	dot, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(dot), "digraph")
	assert.Contains(t, string(dot), `"videoConvert" -> "videoScale";`)
}

func TestCreatePlayer_OverrideVisibleInGraph(t *testing.T) {
	ts := newTestServer(t, override.MapSource{override.StageVideoConversion: "identity name=myConverter"})
	p := ts.createPlayer(t, "")

	resp := ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/elements/myConverter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/elements/videoConvert", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePlayer_ConstructionFailureReported(t *testing.T) {
	ts := newTestServer(t, override.MapSource{override.StageVideoConversion: "identity !"})
	p := ts.createPlayer(t, "")
	assert.Equal(t, string(player.InvalidMedia), p.Status)
	assert.Equal(t, "construction", p.Error)
	assert.False(t, p.Registered)

	resp := ts.do(t, http.MethodGet, "/api/players/"+p.ID+"/graph", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePlayer_BadBody(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Post(ts.http.URL+"/api/players", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListAndDeletePlayers(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.createPlayer(t, "")
	b := ts.createPlayer(t, "")

	resp := ts.do(t, http.MethodGet, "/api/players", nil)
	var list []playerJSON
	decode(t, resp, &list)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.Less(t, list[0].ID, list[1].ID)

	resp = ts.do(t, http.MethodGet, "/api/graphs", nil)
	var graphs []string
	decode(t, resp, &graphs)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, graphs)

	resp = ts.do(t, http.MethodDelete, "/api/players/"+a.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := ts.reg.Lookup(a.ID)
	assert.False(t, ok)

	resp = ts.do(t, http.MethodGet, "/api/players/"+a.ID+"/graph", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/api/players/"+a.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOverrides(t *testing.T) {
	ts := newTestServer(t, override.MapSource{
		override.StageVideoConversion: "videoconvert ! identity name=tap",
		override.StageAudioConversion: "audioconvert name=",
	})
	resp := ts.do(t, http.MethodGet, "/api/overrides", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []OverrideView
	decode(t, resp, &views)
	require.Len(t, views, 2)

	// stages come back sorted
	assert.Equal(t, override.StageAudioConversion, views[0].Stage)
	assert.NotEmpty(t, views[0].Error)
	assert.Equal(t, override.StageVideoConversion, views[1].Stage)
	assert.True(t, views[1].Overridden)
	assert.Equal(t, "videoconvert ! identity name=tap", views[1].Chain)
}

func TestValidateOverride(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/overrides/validate", map[string]string{
		"description": "videoconvert   !  identity name=c silent=true",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok ValidateResponse
	decode(t, resp, &ok)
	assert.Equal(t, "videoconvert ! identity name=c silent=true", ok.Chain)
	assert.Equal(t, []string{"videoconvert", "identity"}, ok.Elements)

	resp = ts.do(t, http.MethodPost, "/api/overrides/validate", map[string]string{"description": "identity !"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var perr map[string]interface{}
	decode(t, resp, &perr)
	assert.EqualValues(t, 9, perr["offset"])

	resp = ts.do(t, http.MethodPost, "/api/overrides/validate", map[string]string{"description": "notanelement"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	for _, description := range []string{"identity bogus=1", "queue max-size-buffers=x", "fakesink ! identity"} {
		resp = ts.do(t, http.MethodPost, "/api/overrides/validate", map[string]string{"description": description})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, description)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.createPlayer(t, "")

	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pipescope_registry_entries 1")
	assert.Contains(t, string(body), "pipescope_override_resolutions_total")
}

func TestCameras(t *testing.T) {
	ts := newTestServer(t, nil)
	cam, err := camera.NewGraphCamera(camera.Options{Engine: ts.opts.Engine, Registry: ts.reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cam.Close() })
	ts.AddCamera(cam)

	resp := ts.do(t, http.MethodGet, "/api/cameras", nil)
	var list []map[string]interface{}
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "inactive", list[0]["status"])

	resp = ts.do(t, http.MethodPut, "/api/cameras/"+cam.ID()+"/active", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, cam.IsActive())

	resp = ts.do(t, http.MethodGet, "/api/players/"+cam.ID()+"/elements/"+camera.ImageProcessingElement, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/api/cameras/missing/active", map[string]bool{"active": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type eventJSON struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	State   string `json:"state"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func TestPlayerEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.createPlayer(t, "")
	p, ok := ts.player(created.ID)
	require.True(t, ok)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/players/" + created.ID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var first eventJSON
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventSnapshot, first.Type)
	assert.Equal(t, string(player.NoMedia), first.Status)
	assert.Equal(t, "stopped", first.State)

	require.NoError(t, p.SetSource(context.Background(), mediaFile(t, "song.mp3")))

	var statuses []string
	deadline := time.Now().Add(2 * time.Second)
	for len(statuses) == 0 || statuses[len(statuses)-1] != string(player.Loaded) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev eventJSON
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == EventStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []string{string(player.Loading), string(player.Loaded)}, statuses)
}

func TestPlayerEvents_UnknownPlayer(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/api/players/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
