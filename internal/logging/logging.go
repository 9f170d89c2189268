// Package logging is a small logger for cold paths: connection state
// changes, late-arrival warnings, fatal diagnostics. Each call builds its
// output line in a freshly allocated buffer, so it is not allocation-free.
//
// Grounded on debug/debug.go's DropMessage/DropError: a prefix-tagged
// writer to stderr with no fmt.Sprintf and no interfaces, deliberately
// kept out of builder/poster hot loops (the same constraint the teacher
// documents at the top of debug.go).
package logging

import (
	"os"
	"strconv"
	"time"
)

// Info logs a tagged informational message. Never call from the
// builder's insertion path, the poster's per-contribution path, or the
// monitor's credit loop — those are the hot paths this package is
// explicitly barred from.
func Info(tag, msg string) {
	write(tag, msg)
}

// Warn logs a tagged warning: late arrivals, dropped contributions,
// double-free attempts (spec.md §7 "Timing errors ... metric-counted and
// dropped").
func Warn(tag, msg string) {
	write(tag, msg)
}

// Error logs a tagged error with its underlying cause.
func Error(tag string, err error) {
	if err == nil {
		write(tag, "")
		return
	}
	write(tag, err.Error())
}

func write(tag, msg string) {
	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	var b []byte
	b = append(b, ts...)
	b = append(b, ' ')
	b = append(b, tag...)
	b = append(b, ':', ' ')
	b = append(b, msg...)
	b = append(b, '\n')
	os.Stderr.Write(b)
}
