package metadata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/PipeScope/internal/engine/memgraph"
)

func TestFromTagList(t *testing.T) {
	md := FromTagList(map[string]string{
		"title":             "Big Buck Bunny",
		"artist":            "Blender",
		"track-number":      "3",
		"duration":          "1500000000",
		"datetime":          "2008-05-20",
		"image-orientation": "rotate-90",
		"resolution":        "1920x1080",
		"bitrate":           "not-a-number",
		"x-unknown":         "dropped",
	})

	require.Equal(t, "Big Buck Bunny", md.Value(Title))
	require.Equal(t, "Blender", md.Value(ContributingArtist))
	require.Equal(t, 3, md.Value(TrackNumber))
	require.Equal(t, 1500*time.Millisecond, md.Value(Duration))
	require.Equal(t, 2008, md.Value(Date).(time.Time).Year())
	require.Equal(t, 90, md.Value(Orientation))
	require.Equal(t, Size{Width: 1920, Height: 1080}, md.Value(Resolution))
	require.Nil(t, md.Value(AudioBitRate), "unparsable values are dropped")
	require.Equal(t, []Key{Title, Date, ContributingArtist, TrackNumber, Duration, Orientation, Resolution}, md.Keys())
}

func TestOrientation(t *testing.T) {
	require.Equal(t, 270, FromTagList(map[string]string{"image-orientation": "flip-rotate-270"}).Value(Orientation))
	require.Nil(t, FromTagList(map[string]string{"image-orientation": "rotate-45"}).Value(Orientation))
	require.Nil(t, FromTagList(map[string]string{"image-orientation": "sideways"}).Value(Orientation))
}

func TestStringValue(t *testing.T) {
	md := MetaData{}
	md.Insert(Duration, 2*time.Second)
	md.Insert(Resolution, Size{Width: 640, Height: 480})
	md.Insert(TrackNumber, 7)

	require.Equal(t, "2s", md.StringValue(Duration))
	require.Equal(t, "640x480", md.StringValue(Resolution))
	require.Equal(t, "7", md.StringValue(TrackNumber))
	require.Equal(t, "", md.StringValue(Title))
}

func TestToTagList_RoundTrip(t *testing.T) {
	md := MetaData{
		Title:       "clip",
		Duration:    3 * time.Second,
		Orientation: 180,
		Resolution:  Size{Width: 1, Height: 1},
	}
	tags := ToTagList(md)
	require.Equal(t, map[string]string{
		"title":             "clip",
		"duration":          "3000000000",
		"image-orientation": "rotate-180",
	}, tags)

	back := FromTagList(tags)
	require.Equal(t, md.Value(Title), back.Value(Title))
	require.Equal(t, md.Value(Duration), back.Value(Duration))
	require.Equal(t, md.Value(Orientation), back.Value(Orientation))
}

func TestApplyToBin_OnlyTagSetters(t *testing.T) {
	eng := memgraph.New()
	p, err := eng.NewPipeline("mux")
	require.NoError(t, err)
	inner, err := eng.NewBin("inner")
	require.NoError(t, err)

	inject, err := eng.NewElement("taginject", "tags")
	require.NoError(t, err)
	mux, err := eng.NewElement("matroskamux", "mux0")
	require.NoError(t, err)
	plain, err := eng.NewElement("identity", "plain")
	require.NoError(t, err)
	require.NoError(t, inner.Add(mux))
	require.NoError(t, p.Add(inject, plain, inner))

	n := ApplyToBin(MetaData{Title: "clip"}, p)
	require.Equal(t, 2, n)
	require.Equal(t, "clip", inject.(*memgraph.Element).Tags()["title"])
	require.Equal(t, "clip", mux.(*memgraph.Element).Tags()["title"])
	require.Empty(t, plain.(*memgraph.Element).Tags())

	require.Zero(t, ApplyToBin(MetaData{}, p))
}

func TestApplyToTagSetter(t *testing.T) {
	eng := memgraph.New()
	inject, err := eng.NewElement("taginject", "")
	require.NoError(t, err)

	ApplyToTagSetter(MetaData{Genre: "Animation"}, inject.(*memgraph.Element))
	require.Equal(t, map[string]string{"genre": "Animation"}, inject.(*memgraph.Element).Tags())
}

func TestKey_JSON(t *testing.T) {
	data, err := json.Marshal(MetaData{AlbumTitle: "x"})
	require.NoError(t, err)
	require.JSONEq(t, `{"album_title":"x"}`, string(data))

	var k Key
	require.NoError(t, k.UnmarshalText([]byte("video_codec")))
	require.Equal(t, VideoCodec, k)
	require.Error(t, k.UnmarshalText([]byte("nope")))
}
