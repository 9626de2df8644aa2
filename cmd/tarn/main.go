// Command tarn compiles, serves and inspects incremental dataflow programs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tarn/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
