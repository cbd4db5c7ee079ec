// Package metadata converts between engine tag lists and player-facing metadata.
package metadata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/PipeScope/internal/engine"
)

// Key identifies a metadata field
type Key int

const (
	Title Key = iota
	Author
	Comment
	Description
	Genre
	Date
	Language
	Publisher
	Copyright
	AlbumTitle
	AlbumArtist
	ContributingArtist
	TrackNumber
	Composer
	Duration
	AudioBitRate
	VideoBitRate
	AudioCodec
	VideoCodec
	Orientation
	Resolution
)

var keyNames = [...]string{
	Title:              "title",
	Author:             "author",
	Comment:            "comment",
	Description:        "description",
	Genre:              "genre",
	Date:               "date",
	Language:           "language",
	Publisher:          "publisher",
	Copyright:          "copyright",
	AlbumTitle:         "album_title",
	AlbumArtist:        "album_artist",
	ContributingArtist: "contributing_artist",
	TrackNumber:        "track_number",
	Composer:           "composer",
	Duration:           "duration",
	AudioBitRate:       "audio_bit_rate",
	VideoBitRate:       "video_bit_rate",
	AudioCodec:         "audio_codec",
	VideoCodec:         "video_codec",
	Orientation:        "orientation",
	Resolution:         "resolution",
}

func (k Key) String() string {
	if k >= 0 && int(k) < len(keyNames) {
		return keyNames[k]
	}
	return fmt.Sprintf("key(%d)", int(k))
}

// MarshalText lets keys be used as JSON and YAML map keys
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Key) UnmarshalText(b []byte) error {
	for i, name := range keyNames {
		if name == string(b) {
			*k = Key(i)
			return nil
		}
	}
	return fmt.Errorf("unknown metadata key %q", b)
}

// Size is a video resolution
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// MetaData holds typed values. Strings, ints, time.Time, time.Duration and Size are used
// depending on the key.
type MetaData map[Key]any

// Insert sets a value
func (m MetaData) Insert(k Key, v any) {
	m[k] = v
}

// Value returns the value for k, or nil
func (m MetaData) Value(k Key) any {
	return m[k]
}

// StringValue renders the value for k, or "" when unset
func (m MetaData) StringValue(k Key) string {
	switch v := m[k].(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Keys returns the set keys in enum order
func (m MetaData) Keys() []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// tag names as GStreamer spells them
var tagKeys = map[string]Key{
	"title":             Title,
	"performer":         Author,
	"comment":           Comment,
	"description":       Description,
	"genre":             Genre,
	"datetime":          Date,
	"date":              Date,
	"language-code":     Language,
	"organization":      Publisher,
	"copyright":         Copyright,
	"album":             AlbumTitle,
	"album-artist":      AlbumArtist,
	"artist":            ContributingArtist,
	"track-number":      TrackNumber,
	"composer":          Composer,
	"duration":          Duration,
	"bitrate":           AudioBitRate,
	"nominal-bitrate":   AudioBitRate,
	"video-bitrate":     VideoBitRate,
	"audio-codec":       AudioCodec,
	"video-codec":       VideoCodec,
	"image-orientation": Orientation,
	"resolution":        Resolution,
}

var keyTags = map[Key]string{
	Title:              "title",
	Author:             "performer",
	Comment:            "comment",
	Description:        "description",
	Genre:              "genre",
	Date:               "datetime",
	Language:           "language-code",
	Publisher:          "organization",
	Copyright:          "copyright",
	AlbumTitle:         "album",
	AlbumArtist:        "album-artist",
	ContributingArtist: "artist",
	TrackNumber:        "track-number",
	Composer:           "composer",
	Duration:           "duration",
	AudioBitRate:       "bitrate",
	VideoBitRate:       "video-bitrate",
	AudioCodec:         "audio-codec",
	VideoCodec:         "video-codec",
	Orientation:        "image-orientation",
}

// FromTagList converts an engine tag list. Unknown tags and unparsable values are dropped.
func FromTagList(tags map[string]string) MetaData {
	md := MetaData{}
	for tag, raw := range tags {
		k, ok := tagKeys[tag]
		if !ok {
			continue
		}
		if v, ok := parseValue(k, raw); ok {
			md[k] = v
		}
	}
	return md
}

func parseValue(k Key, raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	switch k {
	case TrackNumber, AudioBitRate, VideoBitRate:
		n, err := strconv.Atoi(raw)
		return n, err == nil
	case Duration:
		// tag lists carry nanoseconds
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Duration(ns), true
		}
		d, err := time.ParseDuration(raw)
		return d, err == nil
	case Date:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, true
			}
		}
		return nil, false
	case Orientation:
		return parseOrientation(raw)
	case Resolution:
		var s Size
		if _, err := fmt.Sscanf(raw, "%dx%d", &s.Width, &s.Height); err != nil {
			return nil, false
		}
		return s, true
	default:
		return raw, true
	}
}

// parseOrientation maps "rotate-90" and "flip-rotate-90" to degrees
func parseOrientation(raw string) (any, bool) {
	raw = strings.TrimPrefix(raw, "flip-")
	deg, ok := strings.CutPrefix(raw, "rotate-")
	if !ok {
		return nil, false
	}
	n, err := strconv.Atoi(deg)
	if err != nil || n%90 != 0 {
		return nil, false
	}
	return n, true
}

// ToTagList converts metadata back into engine tags
func ToTagList(md MetaData) map[string]string {
	tags := make(map[string]string, len(md))
	for k, v := range md {
		tag, ok := keyTags[k]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case time.Duration:
			tags[tag] = strconv.FormatInt(int64(val), 10)
		case time.Time:
			tags[tag] = val.Format(time.RFC3339)
		default:
			if k == Orientation {
				tags[tag] = fmt.Sprintf("rotate-%v", val)
				continue
			}
			tags[tag] = md.StringValue(k)
		}
	}
	return tags
}

// ApplyToTagSetter merges md into a single element
func ApplyToTagSetter(md MetaData, setter engine.TagSetter) {
	if len(md) == 0 {
		return
	}
	setter.MergeTags(ToTagList(md))
}

type tagCapable interface {
	IsTagSetter() bool
}

// ApplyToBin merges md into every tag-setting element below bin and returns how many
// received it
func ApplyToBin(md MetaData, bin engine.Bin) int {
	if len(md) == 0 {
		return 0
	}
	tags := ToTagList(md)
	n := 0
	engine.Walk(bin, func(e engine.Element, _ int) bool {
		setter, ok := e.(engine.TagSetter)
		if !ok {
			return true
		}
		if tc, ok := e.(tagCapable); ok && !tc.IsTagSetter() {
			return true
		}
		setter.MergeTags(tags)
		n++
		return true
	})
	return n
}
