package log

import (
	"fmt"
	"os"
	"strings"
)

// DebugOn enables DEBUG output to stderr when set.
var DebugOn = false

// TraceOn enables TRACE output to stderr when set. Trace implies debug.
var TraceOn = false

// DEBUG ...
func DEBUG(format string, args ...interface{}) {
	if DebugOn || TraceOn {
		content := fmt.Sprintf(format, args...)
		lines := strings.Split(content, "\n")
		for i, line := range lines {
			lines[i] = "DEBUG> " + line
		}
		content = strings.Join(lines, "\n")
		fmt.Fprintf(os.Stderr, "%s\n", content)
	}
}

// TRACE ...
func TRACE(format string, args ...interface{}) {
	if TraceOn {
		content := fmt.Sprintf(format, args...)
		lines := strings.Split(content, "\n")
		for i, line := range lines {
			lines[i] = "TRACE> " + line
		}
		content = strings.Join(lines, "\n")
		fmt.Fprintf(os.Stderr, "%s\n", content)
	}
}

// Printf writes a formatted message to stdout.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
	if !strings.HasSuffix(format, "\n") {
		fmt.Fprint(os.Stdout, "\n")
	}
}

// PrintfStdErr writes a formatted message to stderr.
func PrintfStdErr(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// Fatal prints its arguments to stderr and exits non-zero.
func Fatal(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(1)
}
