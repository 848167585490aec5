// Command cockpit runs the agent bus: workers, the orchestrator loop, and
// operator utilities for delivering and inspecting packets.
package main

import (
	"os"

	"github.com/valua-ai/cockpit/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
