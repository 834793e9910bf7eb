package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Console lines are for people: the backend's startup banner and shutdown
// progress. They go to stderr, and to the log file once InitSlog opened one.
var (
	consoleMu  sync.Mutex
	consoleOut io.Writer = os.Stderr
)

// SetConsole redirects console lines, returning the previous writer
func SetConsole(w io.Writer) io.Writer {
	consoleMu.Lock()
	defer consoleMu.Unlock()
	prev := consoleOut
	consoleOut = w
	return prev
}

func console() *log.Logger {
	mu.RLock()
	file := logFile
	mu.RUnlock()

	w := consoleOut
	if file != nil {
		w = io.MultiWriter(consoleOut, file)
	}
	return log.New(w, "", log.LstdFlags)
}

// Println writes a console line
func Println(v ...any) {
	consoleMu.Lock()
	defer consoleMu.Unlock()
	console().Println(v...)
}

// Printf writes a formatted console line
func Printf(format string, v ...any) {
	consoleMu.Lock()
	defer consoleMu.Unlock()
	console().Printf(format, v...)
}

// Fatalf writes a console line, closes the log file and exits
func Fatalf(format string, v ...any) {
	consoleMu.Lock()
	console().Output(2, fmt.Sprintf(format, v...)) //nolint:errcheck // exiting anyway
	consoleMu.Unlock()
	_ = CloseSlog()
	os.Exit(1)
}
