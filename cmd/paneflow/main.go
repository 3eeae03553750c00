// paneflow moves files between local disk and remote servers from the command line.
package main

import (
	"os"

	"github.com/paneflow/paneflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
