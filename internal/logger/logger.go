package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EngineDebugEnv enables verbose logging inside the graph engines
const EngineDebugEnv = "PIPESCOPE_ENGINE_DEBUG"

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	mu     sync.RWMutex
	output io.Writer = os.Stdout
	pretty bool
)

func init() {
	// Default: info level, JSON on stdout. Reconfigured by Init().
	Logger = build(os.Stdout)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = Logger
}

func build(w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel maps a textual level to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init sets the global level and output format
func Init(level string, usePretty bool) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	mu.Lock()
	pretty = usePretty
	w := output
	mu.Unlock()

	setWriter(w)
}

// SetOutput redirects log output, e.g. to io.Discard in tests
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()

	setWriter(w)
}

func setWriter(w io.Writer) {
	mu.RLock()
	usePretty := pretty
	mu.RUnlock()

	if usePretty {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	l := build(w)

	mu.Lock()
	Logger = l
	mu.Unlock()
	log.Logger = l
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := Logger
	return &l
}

// WithComponent returns a logger with a component field set
func WithComponent(component string) *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// EngineDebug reports whether engine-level debug logging was requested
func EngineDebug() bool {
	v := strings.ToLower(os.Getenv(EngineDebugEnv))
	return v != "" && v != "0" && v != "false"
}
