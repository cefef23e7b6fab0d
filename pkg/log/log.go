package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it; child loggers taken
// before Init keep the old output.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log level as written in configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration. Output defaults to stderr.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel converts a configuration string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// Init sets the global level and rebuilds Logger. Workers log JSON so the
// host can forward their lines; the console writer is for humans.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

func with(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}

// WithComponent tags entries with the subsystem that wrote them.
func WithComponent(component string) zerolog.Logger { return with("component", component) }

// WithWorkerID tags entries with a worker handle id.
func WithWorkerID(workerID string) zerolog.Logger { return with("worker_id", workerID) }

// WithJobID tags entries with a job id.
func WithJobID(jobID string) zerolog.Logger { return with("job_id", jobID) }

// WithPool tags entries with the pool kind.
func WithPool(pool string) zerolog.Logger { return with("pool", pool) }
