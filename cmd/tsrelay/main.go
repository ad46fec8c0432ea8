// Package main is the entry point for the tsrelay worker.
package main

import (
	"os"

	"github.com/rvierich/tsrelay/cmd/tsrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
