package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

// maxRunLogs is how many per-run log files are kept under logs/.
const maxRunLogs = 20

// InitLogging initializes the logging system. When logDir is non-empty a
// per-run log file is created there and old run logs are pruned.
func InitLogging(verbosity int, logDir string) {
	logger = logrus.New()

	out := io.Writer(os.Stdout)
	if logDir != "" {
		if f := openRunLog(logDir); f != nil {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	logger.SetOutput(out)

	// Set log level based on verbosity
	switch verbosity {
	case 0:
		logger.SetLevel(logrus.InfoLevel)
	case 1:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.TraceLevel)
	}

	logger.SetFormatter(&CustomFormatter{})
}

// openRunLog creates a timestamped log file and prunes old ones.
func openRunLog(logDir string) *os.File {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil
	}
	name := fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.Create(filepath.Join(logDir, name))
	if err != nil {
		return nil
	}
	pruneRunLogs(logDir)
	return f
}

func pruneRunLogs(logDir string) {
	matches, err := filepath.Glob(filepath.Join(logDir, "run-*.log"))
	if err != nil || len(matches) <= maxRunLogs {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-maxRunLogs] {
		os.Remove(old)
	}
}

// CustomFormatter implements a custom log formatter
type CustomFormatter struct{}

// Format formats the log entry
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05")

	// Color coding for levels using the fatih/color library
	var levelColor string
	switch entry.Level {
	case logrus.ErrorLevel:
		levelColor = color.New(color.FgRed).Sprint("ERROR")
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow).Sprint("WARN")
	case logrus.InfoLevel:
		levelColor = color.New(color.FgGreen).Sprint("INFO")
	case logrus.DebugLevel:
		levelColor = color.New(color.FgCyan).Sprint("DEBUG")
	default:
		levelColor = entry.Level.String()
	}

	return fmt.Appendf(nil, "[ %s ] %s %s\n", levelColor, timestamp, entry.Message), nil
}

// Logging functions

func LogInfo(format string, args ...any) {
	if logger != nil {
		logger.Infof(format, args...)
	}
}

func LogDebug(format string, args ...any) {
	if logger != nil {
		logger.Debugf(format, args...)
	}
}

func LogWarn(format string, args ...any) {
	if logger != nil {
		logger.Warnf(format, args...)
	}
}

func LogError(format string, args ...any) {
	if logger != nil {
		logger.Errorf(format, args...)
	}
}

func LogTrace(format string, args ...any) {
	if logger != nil {
		logger.Tracef(format, args...)
	}
}
