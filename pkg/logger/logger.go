package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields type is an alias for logrus.Fields
type Fields = logrus.Fields

// Logger is a logrus entry scoped to one module. Every entry it writes,
// including those derived with WithField(s) or WithError, carries a "module"
// field.
type Logger struct {
	*logrus.Entry
	module string
}

// Global logger instance
var globalLogger *Logger

// Configuration for the logger
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Module     string `mapstructure:"module"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Init initializes the global logger with the provided configuration
func Init(config Config) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Set formatter based on config
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			CallerPrettyfier: callerPrettyfier,
			TimestampFormat:  "2006-01-02 15:04:05",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:          true,
			CallerPrettyfier:       callerPrettyfier,
			DisableSorting:         true,
			DisableTimestamp:       false,
			DisableLevelTruncation: true,
			ForceColors:            true,
			PadLevelText:           true,
			TimestampFormat:        "2006-01-02 15:04:05",
		})
	}

	// Get log file path
	logPath := config.Path
	if logPath == "" {
		logPath = getDefaultLogPath()
	}

	// Configure outputs
	var outputs []io.Writer

	// Always add stderr, stdout belongs to command output
	outputs = append(outputs, os.Stderr)

	// Create log directory and test write permissions. A path of "-" disables file output.
	if config.Path != "-" {
		if w := openRotatingFile(logPath, config); w != nil {
			outputs = append(outputs, w)
		}
	}

	// Set multi-writer if we have multiple outputs
	if len(outputs) > 1 {
		logger.SetOutput(io.MultiWriter(outputs...))
	} else {
		logger.SetOutput(outputs[0])
	}

	// Enable caller info
	logger.SetReportCaller(true)

	globalLogger = &Logger{
		Entry:  scoped(logger, config.Module),
		module: config.Module,
	}

	// Log initialization success with details
	if len(outputs) > 1 {
		globalLogger.WithFields(Fields{
			"file_path": logPath,
			"level":     level.String(),
			"format":    config.Format,
		}).Debug("Logger initialized with file output")
	} else {
		globalLogger.WithFields(Fields{
			"level":  level.String(),
			"format": config.Format,
		}).Debug("Logger initialized with stderr only")
	}

	return nil
}

// openRotatingFile returns a lumberjack writer for path, or nil if the file is not writable
func openRotatingFile(logPath string, config Config) io.Writer {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create log directory %s: %v\n", logDir, err)
		return nil
	}

	// Configure log rotation
	rotateLogger := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxBackups,
		Compress:   config.Compress,
	}

	// Test if we can write to the log file
	if _, err := rotateLogger.Write([]byte("Logger initialization test\n")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not write to log file %s: %v\n", logPath, err)
		return nil
	}
	return rotateLogger
}

// getDefaultLogPath returns the default log file path
func getDefaultLogPath() string {
	return "/var/log/elchi-updater.log"
}

// callerPrettyfier prints file:line. Entries are logged straight through
// logrus.Entry, so the reported frame is already the caller's.
func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// scoped returns an entry of base carrying the module field, if any.
func scoped(base *logrus.Logger, module string) *logrus.Entry {
	entry := logrus.NewEntry(base)
	if module != "" {
		entry = entry.WithField("module", module)
	}
	return entry
}

// NewLogger creates a new logger instance with the specified module
func NewLogger(module string) *Logger {
	if globalLogger == nil {
		panic("logger not initialized. Call logger.Init() first")
	}
	return &Logger{Entry: scoped(globalLogger.Entry.Logger, module), module: module}
}

// Discard returns a logger that drops every entry. Used by tests and by
// library callers that do not configure logging.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(l)}
}

// Module returns a copy of l scoped to another module name. Fields already
// attached to l are kept.
func (l *Logger) Module(module string) *Logger {
	return &Logger{Entry: l.Entry.WithField("module", module), module: module}
}

// Fatalf logs through the global logger and exits. It is a no-op before Init.
func Fatalf(format string, args ...any) {
	if globalLogger != nil {
		globalLogger.Fatalf(format, args...)
	}
}
