// Package main provides qflexsim, a command-line tool that drives the
// qflex cache models and the coroutine-based stepping loop from recorded
// execution traces.
package main

import (
	"github.com/tebeka/atexit"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
