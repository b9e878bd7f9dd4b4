// Package common provides the logger used by all hashDB packages.
package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// LoggerNames lists the named loggers used throughout the module.
var LoggerNames = []string{"hashdb", "blobstore", "gc", "index", "store", "cmd"}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// hashDBLogger writes one line per message: "LEVEL | name | message"
type hashDBLogger struct {
	name   string
	mu     sync.RWMutex
	level  logger.LogLevel
	logger *log.Logger
}

func (l *hashDBLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *hashDBLogger) enabled(level logger.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *hashDBLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *hashDBLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *hashDBLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *hashDBLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *hashDBLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log("PANIC", "%s", msg)
	panic(msg)
}

func (l *hashDBLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var output io.Writer = os.Stderr

// CreateLogger is the logger.Factory installed by InitLoggers.
func CreateLogger(pkgName string) logger.ILogger {
	return &hashDBLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(output, "", log.Ldate|log.Ltime),
	}
}

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var initOnce sync.Once

// InitLoggers installs the custom logger factory and sets the level of all hashDB loggers.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	initOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
