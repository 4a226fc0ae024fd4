// Package main is the backlogd server binary: it wires the research,
// drafting, quality, priority, and sync components behind the HTTP and
// Slack surfaces.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
