package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogotel "github.com/remychantenay/slog-otel"
	"gopkg.in/natefinch/lumberjack.v2"
)

var LogLevel = new(slog.LevelVar)

var jsonHandler = slog.NewJSONHandler(
	os.Stderr,
	&slog.HandlerOptions{AddSource: true, Level: LogLevel},
)
var sloghandler = slogotel.NewOtelHandler(slogotel.WithNoTraceEvents(true))
var Handler = sloghandler(jsonHandler)
var Logger = slog.New(Handler)

// Attribute attached to log lines for conditions that indicate a broken invariant
const Critical = "critical"

func InitSlog() {
	slog.SetDefault(Logger)
	LogLevel.Set(slog.LevelDebug)
}

type FileSink struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Tees the global logger into a rotating file under sink.Dir in addition to stderr.
//
// The returned closer flushes and closes the current log file.
func InitFileSink(sink FileSink) (io.Closer, error) {
	if err := os.MkdirAll(sink.Dir, 0o750); err != nil {
		return nil, err
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(sink.Dir, "log"),
		MaxSize:    sink.MaxSizeMB,
		MaxBackups: sink.MaxBackups,
		MaxAge:     sink.MaxAgeDays,
	}

	jsonHandler = slog.NewJSONHandler(
		io.MultiWriter(os.Stderr, rotating),
		&slog.HandlerOptions{AddSource: true, Level: LogLevel},
	)
	Handler = sloghandler(jsonHandler)
	Logger = slog.New(Handler)
	slog.SetDefault(Logger)

	return rotating, nil
}
