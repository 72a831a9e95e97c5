// Package main is the entry point for the bili-ingest CLI
package main

import (
	"os"

	"github.com/cyderes/bili-ingest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
