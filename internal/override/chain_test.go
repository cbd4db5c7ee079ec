package override

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseChain_SingleElementWithName(t *testing.T) {
	chain, err := ParseChain("identity name=myConverter")
	require.NoError(t, err)
	require.Equal(t, Chain{{Factory: "identity", Name: "myConverter"}}, chain)
}

func TestParseChain_MultipleElementsKeepOrder(t *testing.T) {
	chain, err := ParseChain("identity name=myConverter ! identity name=myConverter2")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, []string{"myConverter", "myConverter2"}, chain.Names())
	require.Equal(t, "identity", chain[0].Factory)
	require.Equal(t, "identity", chain[1].Factory)
}

func TestParseChain_PropertiesInOrder(t *testing.T) {
	chain, err := ParseChain("videoconvert n-threads=4 dither=none   qos=false")
	require.NoError(t, err)
	require.Equal(t, []Property{
		{Key: "n-threads", Value: "4"},
		{Key: "dither", Value: "none"},
		{Key: "qos", Value: "false"},
	}, chain[0].Properties)
	require.Empty(t, chain[0].Name, "no name given, engine picks one")
}

func TestParseChain_LinkTokenWithoutSpaces(t *testing.T) {
	chain, err := ParseChain("queue!videoconvert!identity name=last")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "queue", chain[0].Factory)
	require.Equal(t, "videoconvert", chain[1].Factory)
	require.Equal(t, "last", chain[2].Name)
}

func TestParseChain_QuotedValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"double quotes keep spaces", `capsfilter caps="video/x-raw, format=RGBA"`, "video/x-raw, format=RGBA"},
		{"single quotes keep link token", `capsfilter caps='a ! b'`, "a ! b"},
		{"escaped double quote", `capsfilter caps="say \"hi\""`, `say "hi"`},
		{"escaped backslash", `capsfilter caps="C:\\dir"`, `C:\dir`},
		{"other backslash kept", `capsfilter caps="a\nb"`, `a\nb`},
		{"empty quoted value", `capsfilter caps=""`, ""},
		{"equals inside value", `capsfilter caps=a=b`, "a=b"},
		{"partially quoted", `capsfilter caps=pre"mid dle"post`, "premid dlepost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := ParseChain(tt.input)
			require.NoError(t, err)
			require.Len(t, chain, 1)
			require.Len(t, chain[0].Properties, 1)
			require.Equal(t, tt.want, chain[0].Properties[0].Value)
		})
	}
}

func TestParseChain_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		offset int
		reason string
	}{
		{"empty", "", 0, "empty chain description"},
		{"blank", "   ", 0, "empty chain description"},
		{"trailing link", "identity !", 9, "expected element after '!'"},
		{"leading link", "! identity", 0, "expected element before '!'"},
		{"doubled link", "identity ! ! queue", 11, "expected element before '!'"},
		{"bare word property", "identity silent", 9, "expected key=value"},
		{"empty key", "identity =true", 9, "empty property key"},
		{"missing value", "identity silent=", 9, `missing value for "silent"`},
		{"unterminated quote", `identity name="abc`, 14, "unterminated quote"},
		{"assignment as type", "name=foo", 0, "expected element type, got property assignment"},
		{"invalid type", "-bad", 0, "invalid element type name"},
		{"quoted type", `"identity"`, 0, "invalid element type name"},
		{"invalid key", "identity 9x=1", 9, "invalid property key"},
		{"duplicate name", "identity name=a name=b", 16, `duplicate "name"`},
		{"duplicate property", "identity silent=true silent=false", 21, `duplicate "silent"`},
		{"empty name", `identity name=""`, 9, "empty element name"},
		{"invalid utf-8", "identity k=\xff\xff\xff\xff", 11, "invalid UTF-8"},
		{"invalid utf-8 after multibyte", "identity name=é k=\xff", 19, "invalid UTF-8"},
		{"byte offsets past multibyte", "identity name=é !", 17, "expected element after '!'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := ParseChain(tt.input)
			require.Error(t, err)
			require.Nil(t, chain, "a failed parse must not return a partial chain")

			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected *ParseError, got %T", err)
			require.Equal(t, tt.offset, pe.Offset)
			require.Equal(t, tt.reason, pe.Reason)
			require.Equal(t, tt.input, pe.Input)
		})
	}
}

func TestParseError_MessageNamesToken(t *testing.T) {
	_, err := ParseChain("identity silent")
	require.EqualError(t, err, `parse error at offset 9 near "silent": expected key=value`)
}

func TestChainString_Canonical(t *testing.T) {
	chain := Chain{
		{Factory: "identity", Name: "my conv", Properties: []Property{{Key: "silent", Value: "true"}}},
		{Factory: "capsfilter", Properties: []Property{{Key: "caps", Value: `a ! "b"`}}},
	}
	require.Equal(t, `identity name="my conv" silent=true ! capsfilter caps="a ! \"b\""`, chain.String())
}

// ===========================================================================
// Property-based tests
// ===========================================================================

func descriptorGen() *rapid.Generator[Descriptor] {
	return rapid.Custom(func(t *rapid.T) Descriptor {
		d := Descriptor{
			Factory: rapid.StringMatching(`[a-z][a-z0-9_+.\-]{0,12}`).Draw(t, "factory"),
		}
		if rapid.Bool().Draw(t, "named") {
			d.Name = rapid.StringN(1, 16, -1).Draw(t, "name")
		}
		keys := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-z][a-z0-9\-]{0,8}`).Filter(func(k string) bool { return k != "name" }),
			0, 4, func(k string) string { return k },
		).Draw(t, "keys")
		for _, k := range keys {
			d.Properties = append(d.Properties, Property{Key: k, Value: rapid.String().Draw(t, "value")})
		}
		return d
	})
}

func TestProperty_CanonicalFormRoundTrips(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chain := Chain(rapid.SliceOfN(descriptorGen(), 1, 5).Draw(rt, "chain"))

		parsed, err := ParseChain(chain.String())
		require.NoError(rt, err, "canonical form %q must parse", chain.String())
		require.Equal(rt, len(chain), len(parsed))
		for i := range chain {
			require.Equal(rt, chain[i].Factory, parsed[i].Factory)
			require.Equal(rt, chain[i].Name, parsed[i].Name)
			require.Equal(rt, len(chain[i].Properties), len(parsed[i].Properties))
			for j := range chain[i].Properties {
				require.Equal(rt, chain[i].Properties[j], parsed[i].Properties[j])
			}
		}
	})
}

func TestProperty_ErrorNeverReturnsPartialChain(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := rapid.StringOf(rapid.SampledFrom([]rune("ab= !\"'\\ \tn"))).Draw(rt, "input")

		chain, err := ParseChain(input)
		if err != nil {
			require.Nil(rt, chain)
			require.True(rt, IsParseError(err))
			return
		}
		require.NotEmpty(rt, chain)
		for _, d := range chain {
			require.NotEmpty(rt, d.Factory)
		}
		require.True(rt, strings.Count(input, "!") >= len(chain)-1, "every link needs a link token in the input")
	})
}

func TestProperty_ArbitraryBytesNeverPanic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		input := string(rapid.SliceOf(rapid.Byte()).Draw(rt, "input"))

		var (
			chain Chain
			err   error
		)
		require.NotPanics(rt, func() { chain, err = ParseChain(input) })
		if err != nil {
			require.Nil(rt, chain)
			var pe *ParseError
			require.True(rt, errors.As(err, &pe))
			require.GreaterOrEqual(rt, pe.Offset, 0)
			require.LessOrEqual(rt, pe.Offset, len(input))
		}
	})
}
