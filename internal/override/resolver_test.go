package override

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type factorySet map[string]bool

func (f factorySet) HasFactory(name string) bool { return f[name] }

func TestEnvKey(t *testing.T) {
	require.Equal(t, "PIPESCOPE_OVERRIDE_VIDEO_CONVERSION_ELEMENT", EnvKey(StageVideoConversion))
	require.Equal(t, "PIPESCOPE_OVERRIDE_AUDIO_CONVERSION_ELEMENT", EnvKey(StageAudioConversion))
}

func TestResolve_AbsentUsesDefault(t *testing.T) {
	r := NewResolver(MapSource{}, nil)

	res, err := r.Resolve(StageVideoConversion)
	require.NoError(t, err)
	require.False(t, res.Overridden)
	require.Equal(t, Chain{{Factory: "videoconvert", Name: "videoConvert"}}, res.Chain)
}

func TestResolve_BlankUsesDefault(t *testing.T) {
	r := NewResolver(MapSource{StageVideoConversion: "  \t "}, nil)

	res, err := r.Resolve(StageVideoConversion)
	require.NoError(t, err)
	require.False(t, res.Overridden)
	require.Equal(t, "videoconvert", res.Chain[0].Factory)
}

func TestResolve_NilSourceUsesDefault(t *testing.T) {
	res, err := NewResolver(nil, nil).Resolve(StageAudioConversion)
	require.NoError(t, err)
	require.Equal(t, Chain{{Factory: "audioconvert", Name: "audioConvert"}}, res.Chain)
}

func TestResolve_Override(t *testing.T) {
	r := NewResolver(MapSource{StageVideoConversion: "identity name=myConverter ! identity name=myConverter2"}, nil)

	res, err := r.Resolve(StageVideoConversion)
	require.NoError(t, err)
	require.True(t, res.Overridden)
	require.Equal(t, []string{"myConverter", "myConverter2"}, res.Chain.Names())
	require.Equal(t, "identity name=myConverter ! identity name=myConverter2", res.Raw)
}

func TestResolve_OverrideOnlyAffectsItsStage(t *testing.T) {
	r := NewResolver(MapSource{StageVideoConversion: "identity"}, nil)

	res, err := r.Resolve(StageAudioConversion)
	require.NoError(t, err)
	require.False(t, res.Overridden)
}

func TestResolve_MalformedIsStageParseError(t *testing.T) {
	r := NewResolver(MapSource{StageVideoConversion: "identity name=myConverter !"}, nil)

	res, err := r.Resolve(StageVideoConversion)
	require.Error(t, err)
	require.Empty(t, res.Chain, "no partial chain on failure")

	var se *StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, StageVideoConversion, se.Stage)
	require.True(t, IsParseError(err))
	require.False(t, IsUnknownElement(err))
}

func TestResolve_UnknownStage(t *testing.T) {
	_, err := NewResolver(nil, nil).Resolve("subtitle_rendering")
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestResolve_EnvSource(t *testing.T) {
	t.Setenv(EnvKey(StageVideoConversion), "identity name=fromEnv")

	res, err := NewResolver(EnvSource{}, nil).Resolve(StageVideoConversion)
	require.NoError(t, err)
	require.Equal(t, "fromEnv", res.Chain[0].Name)
}

func TestFirstOf_PrefersEarlierSource(t *testing.T) {
	src := FirstOf{nil, MapSource{StageVideoConversion: "identity name=first"}, MapSource{StageVideoConversion: "identity name=second"}}

	v, ok := src.Lookup(StageVideoConversion)
	require.True(t, ok)
	require.Equal(t, "identity name=first", v)

	_, ok = src.Lookup(StageAudioConversion)
	require.False(t, ok)
}

func TestStages_Sorted(t *testing.T) {
	require.Equal(t, []Stage{StageAudioConversion, StageVideoConversion}, NewResolver(nil, nil).Stages())
}

func TestValidate(t *testing.T) {
	factories := factorySet{"identity": true, "videoconvert": true}

	require.NoError(t, Validate(Chain{{Factory: "identity"}, {Factory: "videoconvert"}}, factories))

	err := Validate(Chain{{Factory: "identity"}, {Factory: "nosuchelement"}}, factories)
	var ue *UnknownElementError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, "nosuchelement", ue.Factory)
	require.Equal(t, 1, ue.Index)
	require.False(t, IsParseError(err), "unknown elements are not parse errors")
}
