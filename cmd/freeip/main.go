// Command freeip finds free IPv4 addresses with an external probe and
// caches them. See 'freeip --help' for the available commands.
package main

import (
	"github.com/anstrom/freeip/cmd/cli"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
