// Command agentecs runs scenarios against the agentecs engine and inspects
// their recorded history.
package main

import (
	"fmt"
	"os"

	"github.com/extensivelabs/agentecs/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
