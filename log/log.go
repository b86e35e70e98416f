package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	InfoLog    *log.Logger
	WarningLog *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "taskmux.log")

var globalLogWriter io.WriteCloser

func init() {
	// Loggers must never be nil; Initialize replaces the sinks.
	initLoggers(io.Discard)
}

// Initialize should be called once at the beginning of the program to set up
// logging. defer Close() after calling this function. Output goes to a rotated
// file in the os temp directory; stderr is the fallback if the file cannot be
// opened.
func Initialize() {
	w := &lumberjack.Logger{
		Filename:   logFileName,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
	}

	initLoggers(w)
	globalLogWriter = w
}

// InitializeForTest points all loggers at the given writer. Tests use this to
// capture or silence log output.
func InitializeForTest(w io.Writer) {
	initLoggers(w)
}

func initLoggers(w io.Writer) {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	InfoLog = log.New(w, "INFO: ", flags)
	WarningLog = log.New(w, "WARNING: ", flags)
	ErrorLog = log.New(w, "ERROR: ", flags)
	if debugEnabled {
		DebugLog = log.New(w, "DEBUG: ", flags)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}
}

func Close() {
	if globalLogWriter != nil {
		_ = globalLogWriter.Close()
		fmt.Println("wrote logs to " + logFileName)
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}

// Every is used to log at most once every timeout duration.
type Every struct {
	timeout time.Duration
	last    time.Time
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	if e.last.IsZero() || time.Since(e.last) >= e.timeout {
		e.last = time.Now()
		return true
	}
	return false
}
