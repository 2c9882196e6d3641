package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = log.New()

func init() {
	logger.Out = resolveOutput(os.Getenv("ENV"), os.Getenv("LOG_TO_FILE") == "true")
	logger.Formatter = &log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
	SetLevel(os.Getenv("LOG_LEVEL"))
}

// resolveOutput picks stdout unless file logging is forced, in which case a
// dated file under ./logs is used.
func resolveOutput(env string, toFile bool) io.Writer {
	if !toFile {
		return os.Stdout
	}
	cwd, err := os.Getwd()
	if err != nil {
		log.Warnf("Failed get current working directory: %v, falling back to stdout", err)
		return os.Stdout
	}
	logsDir := filepath.Join(cwd, "logs")
	if mkErr := os.MkdirAll(logsDir, 0o755); mkErr != nil {
		log.Warnf("Failed to create logs directory %s: %v, falling back to stdout", logsDir, mkErr)
		return os.Stdout
	}
	filePath := filepath.Join(logsDir, fmt.Sprintf("%s%s.log", time.Now().Format("2006-01-02"), env))
	f, openErr := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if openErr != nil {
		log.Warnf("Failed to open log file %s: %v, falling back to stdout", filePath, openErr)
		return os.Stdout
	}
	return f
}

// SetLevel changes the level of the shared logger. Unknown values keep debug.
func SetLevel(level string) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil || level == "" {
		lvl = log.DebugLevel
	}
	logger.SetLevel(lvl)
}

// SetOutput redirects the shared logger, mainly for tests.
func SetOutput(w io.Writer) {
	logger.Out = w
}

// GetLogger returns an entry annotated with the caller's location.
func GetLogger() *log.Entry {
	function, file, line, _ := runtime.Caller(1)

	functionObject := runtime.FuncForPC(function)
	name := ""
	if functionObject != nil {
		name = functionObject.Name()
	}
	entry := logger.WithFields(log.Fields{
		"service":  "crosspost",
		"function": name,
		"file":     file,
		"line":     line,
	})

	return entry
}
