// meshvmail sends and receives chunked voice and text messages over a mesh radio link.
package main

import (
	"os"

	"github.com/danmuck/meshvmail/cmd/meshvmail/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
