// Package main is the caseflow binary: it serves the engine with its workers
// and front ends, and talks to a running server from the command line.
package main

import (
	"fmt"
	"os"
	"runtime"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "caseflow"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
