// Command evidex is the entry point for the evidence retrieval engine.
// It provides a CLI (via Cobra) for ingesting and searching audit evidence
// and an HTTP server exposing the same operations.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/evidex-go/cmd/evidex/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
