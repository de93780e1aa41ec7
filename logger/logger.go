// Package logger provides structured logging for pakvfs.
//
// It supports the usual level hierarchy (TRACE, DEBUG, INFO, WARN, ERROR)
// plus per-subsystem trace gates so container parsing, key lookups, and
// cache/queue transitions can each be switched on independently without
// flooding output from the others. Level checks are atomic so logging
// stays cheap when disabled.
package logger

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a log message. Higher values are more severe.
type Level int32

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

var (
	currentLevel atomic.Int32

	levelNames = map[Level]string{
		TRACE: "TRACE",
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	// traceSubsystems tracks which debugging subsystems currently emit
	// TRACE output. Typical subsystems: "pak", "iostore", "vfs", "cache",
	// "queue", "keyring".
	traceSubsystems = make(map[string]bool)
	traceMutex      sync.RWMutex

	processID = os.Getpid()
	logger    *log.Logger
)

func init() {
	logger = log.New(os.Stdout, "", 0)
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(level string) error {
	switch strings.ToUpper(level) {
	case "TRACE":
		currentLevel.Store(int32(TRACE))
	case "DEBUG":
		currentLevel.Store(int32(DEBUG))
	case "INFO":
		currentLevel.Store(int32(INFO))
	case "WARN":
		currentLevel.Store(int32(WARN))
	case "ERROR":
		currentLevel.Store(int32(ERROR))
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	return nil
}

// GetLevel returns the current minimum level as a string.
func GetLevel() string {
	return levelNames[Level(currentLevel.Load())]
}

// EnableTrace turns on TRACE output for the given subsystems.
func EnableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		traceSubsystems[s] = true
	}
}

// DisableTrace turns off TRACE output for the given subsystems.
func DisableTrace(subsystems ...string) {
	traceMutex.Lock()
	defer traceMutex.Unlock()
	for _, s := range subsystems {
		delete(traceSubsystems, s)
	}
}

func isTraceEnabled(subsystem string) bool {
	traceMutex.RLock()
	defer traceMutex.RUnlock()
	return traceSubsystems[subsystem]
}

func formatMessage(level Level, skip int, format string, args ...interface{}) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		file = "unknown"
		line = 0
	}
	if idx := strings.LastIndex(file, "/"); idx != -1 {
		file = file[idx+1:]
	}
	if idx := strings.LastIndex(file, ".go"); idx != -1 {
		file = file[:idx]
	}

	funcName := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		full := fn.Name()
		if idx := strings.LastIndex(full, "."); idx != -1 {
			funcName = full[idx+1:]
		}
	}

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("2006/01/02 15:04:05.000000")
	return fmt.Sprintf("%s [%d] [%s] %s.%s:%d: %s",
		timestamp, processID, levelNames[level], funcName, file, line, msg)
}

func logMessage(level Level, skip int, format string, args ...interface{}) {
	if level < Level(currentLevel.Load()) {
		return
	}
	logger.Println(formatMessage(level, skip, format, args...))
}

// TraceIf logs at TRACE only if the named subsystem has been enabled.
func TraceIf(subsystem string, format string, args ...interface{}) {
	if Level(currentLevel.Load()) > TRACE || !isTraceEnabled(subsystem) {
		return
	}
	logMessage(TRACE, 3, "[%s] %s", subsystem, fmt.Sprintf(format, args...))
}

func Trace(format string, args ...interface{}) { logMessage(TRACE, 3, format, args...) }
func Debug(format string, args ...interface{}) { logMessage(DEBUG, 3, format, args...) }
func Info(format string, args ...interface{})  { logMessage(INFO, 3, format, args...) }
func Warn(format string, args ...interface{})  { logMessage(WARN, 3, format, args...) }
func Error(format string, args ...interface{}) { logMessage(ERROR, 3, format, args...) }

// Configure applies PAKVFS_LOG_LEVEL / PAKVFS_TRACE_SUBSYSTEMS from the
// environment. Safe to call multiple times.
func Configure() {
	if level := os.Getenv("PAKVFS_LOG_LEVEL"); level != "" {
		_ = SetLevel(level)
	}
	if trace := os.Getenv("PAKVFS_TRACE_SUBSYSTEMS"); trace != "" {
		parts := strings.Split(trace, ",")
		for i, s := range parts {
			parts[i] = strings.TrimSpace(s)
		}
		EnableTrace(parts...)
	}
}
