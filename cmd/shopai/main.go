// Command shopai is the entry point for the NITRO LINE Automobile Shop AI
// assistant. It provides a CLI interface (via Cobra) and the HTTP API server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/shopai-go/cmd/shopai/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
