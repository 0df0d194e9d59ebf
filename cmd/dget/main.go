// Command dget is the demo CLI host for the download engine: it parses
// flags, loads the persisted configuration, and drives one engine.Engine
// to completion, printing its messages and progress to the terminal.
package main

import (
	"os"

	"github.com/ctdl/dget/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
