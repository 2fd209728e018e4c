package debug

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies the subsystem a log record originates from.
type Component string

const (
	ComponentSDCard Component = "sdcard"
	ComponentDiskio Component = "diskio"
	ComponentSim    Component = "mcisim"
	ComponentTool   Component = "tool"
)

var (
	level = new(slog.LevelVar)

	mtx    sync.RWMutex
	logger *slog.Logger
)

func init() {
	level.Set(slog.LevelWarn)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// Logger returns the default logger tagged with component c.
func Logger(c Component) *slog.Logger {
	mtx.RLock()
	defer mtx.RUnlock()
	return logger.With("component", string(c))
}

// SetLogger replaces the default logger. Loggers already handed out by
// [Logger] keep writing to the previous one.
func SetLogger(l *slog.Logger) {
	mtx.Lock()
	defer mtx.Unlock()
	logger = l
}

// SetOutput replaces the default logger with a text logger writing to w at the
// shared log level.
func SetOutput(w io.Writer) {
	SetLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

func SetLogLevel(l slog.Level) {
	level.Set(l)
}

func LogLevel() slog.Level {
	return level.Level()
}

// ParseLevel converts names like "debug" or "WARN" to a level. Unknown names
// yield the current level and false.
func ParseLevel(s string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level.Level(), false
	}
	return l, true
}
