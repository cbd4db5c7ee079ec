// Package media identifies what a source URL contains before a player commits to it.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a local source does not exist
	ErrNotFound = errors.New("media not found")

	// ErrUnsupportedFormat is returned when no stream type can be derived from a source
	ErrUnsupportedFormat = errors.New("unsupported media format")
)

// Streams lists which stream types a source carries
type Streams struct {
	Video    bool `json:"video" yaml:"video"`
	Audio    bool `json:"audio" yaml:"audio"`
	Subtitle bool `json:"subtitle" yaml:"subtitle"`
}

// Info is the result of probing a source
type Info struct {
	URL     string            `json:"url" yaml:"url"`
	Streams Streams           `json:"streams" yaml:"streams"`
	Tags    map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Prober inspects a source
type Prober interface {
	Probe(ctx context.Context, rawURL string) (Info, error)
}

var containers = map[string]Streams{
	".mp4":  {Video: true, Audio: true},
	".mov":  {Video: true, Audio: true},
	".m4v":  {Video: true, Audio: true},
	".webm": {Video: true, Audio: true},
	".avi":  {Video: true, Audio: true},
	".mkv":  {Video: true, Audio: true, Subtitle: true},
	".wav":  {Audio: true},
	".mp3":  {Audio: true},
	".flac": {Audio: true},
	".ogg":  {Audio: true},
	".m4a":  {Audio: true},
	".aac":  {Audio: true},
	".srt":  {Subtitle: true},
	".vtt":  {Subtitle: true},
}

var codecs = map[string][2]string{
	".mp4":  {"H.264", "MPEG-4 AAC"},
	".m4v":  {"H.264", "MPEG-4 AAC"},
	".mov":  {"H.264", "MPEG-4 AAC"},
	".webm": {"VP9", "Opus"},
	".mkv":  {"H.264", "Vorbis"},
	".avi":  {"MPEG-4 Part 2", "MPEG-1 Layer 3 (MP3)"},
	".wav":  {"", "PCM"},
	".mp3":  {"", "MPEG-1 Layer 3 (MP3)"},
	".flac": {"", "FLAC"},
	".ogg":  {"", "Vorbis"},
	".m4a":  {"", "MPEG-4 AAC"},
	".aac":  {"", "MPEG-4 AAC"},
}

// ExtensionProber derives stream types from the file extension. It stands in for
// discovery when no decoder is available.
type ExtensionProber struct {
	// Delay simulates the time a real discoverer takes
	Delay time.Duration
}

// Probe implements Prober
func (p ExtensionProber) Probe(ctx context.Context, rawURL string) (Info, error) {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-t.C:
		}
	}

	path, remote, err := localPath(rawURL)
	if err != nil {
		return Info{}, err
	}
	if !remote {
		st, err := os.Stat(path)
		if err != nil {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
		}
		if st.IsDir() {
			return Info{}, fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, rawURL)
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	streams, ok := containers[ext]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, rawURL)
	}

	info := Info{URL: rawURL, Streams: streams, Tags: map[string]string{}}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if title != "" {
		info.Tags["title"] = title
	}
	if c, ok := codecs[ext]; ok {
		if c[0] != "" && streams.Video {
			info.Tags["video-codec"] = c[0]
		}
		if c[1] != "" && streams.Audio {
			info.Tags["audio-codec"] = c[1]
		}
	}
	return info, nil
}

// localPath splits rawURL into a path and whether it is remote
func localPath(rawURL string) (string, bool, error) {
	if rawURL == "" {
		return "", false, fmt.Errorf("%w: empty source", ErrNotFound)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// bare paths, including windows drive letters
		return rawURL, false, nil
	}
	switch u.Scheme {
	case "file":
		return u.Path, false, nil
	case "http", "https", "rtsp", "rtmp", "qrc":
		return u.Path, true, nil
	default:
		return "", false, fmt.Errorf("%w: scheme %q", ErrUnsupportedFormat, u.Scheme)
	}
}

// ToURI turns a path or URL into something uridecodebin accepts
func ToURI(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return rawURL
	}
	abs, err := filepath.Abs(rawURL)
	if err != nil {
		abs = rawURL
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// VideoSink describes the element a player renders video into
type VideoSink struct {
	Factory    string            `json:"factory" yaml:"factory"`
	Name       string            `json:"name" yaml:"name"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// DefaultVideoSink is an appsink named videoSink
func DefaultVideoSink() VideoSink {
	return VideoSink{Factory: "appsink", Name: "videoSink"}
}
