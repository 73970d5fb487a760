// Package logging holds the process wide logrus logger. Packages derive a
// subsystem scoped entry from DefaultLogger:
//
//	var log = logging.DefaultLogger.WithField(logging.Subsys, "tracker")
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultLogFile is the rotating log file written when file logging is on.
	DefaultLogFile = "mtg.log"

	DefaultLogLevel = logrus.InfoLevel
)

// DefaultLogger is the base logger every package derives its entry from.
var DefaultLogger = initializeDefaultLogger()

func initializeDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logger.SetLevel(DefaultLogLevel)
	return logger
}

// Options configures SetupLogging.
type Options struct {
	Debug       bool
	FileLogging bool
	// FileName overrides DefaultLogFile.
	FileName string
}

// SetupLogging applies the configured level and sinks to DefaultLogger.
// File logging always records debug messages, console output only when
// Debug is set.
func SetupLogging(opts Options) {
	if opts.Debug || opts.FileLogging {
		DefaultLogger.SetLevel(logrus.DebugLevel)
	} else {
		DefaultLogger.SetLevel(DefaultLogLevel)
	}

	if !opts.FileLogging {
		DefaultLogger.SetOutput(os.Stderr)
		return
	}

	name := opts.FileName
	if name == "" {
		name = DefaultLogFile
	}
	file := &lumberjack.Logger{
		Filename:   name,
		MaxSize:    10, // MBs
		MaxBackups: 5,
	}
	DefaultLogger.SetOutput(io.Discard)
	DefaultLogger.AddHook(&writerHook{w: os.Stderr, levels: consoleLevels(opts.Debug)})
	DefaultLogger.AddHook(&writerHook{w: file, levels: logrus.AllLevels})
}

func consoleLevels(debug bool) []logrus.Level {
	if debug {
		return logrus.AllLevels
	}
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

// writerHook fans an entry out to an additional writer.
type writerHook struct {
	w      io.Writer
	levels []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level { return h.levels }

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Bytes()
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}
