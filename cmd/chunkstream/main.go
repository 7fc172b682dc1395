// Command chunkstream runs the upload service's CLI: starting the core,
// writing a sample config, reporting on pending uploads, and driving a
// local demo upload against the orchestrator.
package main

import (
	"os"

	"github.com/chunkstream/chunkstream/cmd/chunkstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
