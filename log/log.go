package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	WarningLog *log.Logger
	InfoLog    *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger
)

var debugEnabled = os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"

var logFileName = filepath.Join(os.TempDir(), "microvm-orchestrator.log")

var globalLogFile *os.File

// Initialize should be called once at the beginning of the program to set up logging.
// defer Close() after calling this function. Output goes to a file in the os temp
// directory so that stdout stays clean for the stdio MCP transport.
func Initialize() {
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		// Fallback to stderr. Never stdout: the MCP stdio transport owns it.
		InfoLog = log.New(os.Stderr, "INFO:", log.Ldate|log.Ltime|log.Lshortfile)
		WarningLog = log.New(os.Stderr, "WARNING:", log.Ldate|log.Ltime|log.Lshortfile)
		ErrorLog = log.New(os.Stderr, "ERROR:", log.Ldate|log.Ltime|log.Lshortfile)
		if debugEnabled {
			DebugLog = log.New(os.Stderr, "DEBUG:", log.Ldate|log.Ltime|log.Lshortfile)
		} else {
			DebugLog = log.New(io.Discard, "", 0)
		}
		fmt.Fprintf(os.Stderr, "Warning: using stderr for logging: %v\n", err)
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	InfoLog = log.New(f, "INFO:", log.Ldate|log.Ltime|log.Lshortfile)
	WarningLog = log.New(f, "WARNING:", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(f, "ERROR:", log.Ldate|log.Ltime|log.Lshortfile)
	if debugEnabled {
		DebugLog = log.New(f, "DEBUG:", log.Ldate|log.Ltime|log.Lshortfile)
	} else {
		DebugLog = log.New(io.Discard, "", 0)
	}

	globalLogFile = f
}

func Close() {
	_ = globalLogFile.Close()
	fmt.Fprintln(os.Stderr, "wrote logs to "+logFileName)
}

// Every is used to log at most once every timeout duration.
type Every struct {
	timeout time.Duration
	timer   *time.Timer
}

func NewEvery(timeout time.Duration) *Every {
	return &Every{timeout: timeout}
}

// ShouldLog returns true if the timeout has passed since the last log.
func (e *Every) ShouldLog() bool {
	if e.timer == nil {
		e.timer = time.NewTimer(e.timeout)
		e.timer.Reset(e.timeout)
		return true
	}

	select {
	case <-e.timer.C:
		e.timer.Reset(e.timeout)
		return true
	default:
		return false
	}
}

// IsDebugEnabled returns true if debug logging is enabled.
func IsDebugEnabled() bool {
	return debugEnabled
}

// Redact masks a credential for safe logging, keeping only the last four
// characters. Short values are fully masked.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return strings.Repeat("*", 4) + secret[len(secret)-4:]
}
