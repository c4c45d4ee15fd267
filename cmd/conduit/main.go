// Command conduit is the client-side entry point: the CLI surface
// (init/start/up/down/router/list/kill/status/config/version) plus the
// hidden internal-tunnel-process worker subcommand the process manager
// spawns per tunnel, all implemented in internal/cli (cmd/giraffecloud's
// main.go is a thin RunE dispatcher in the same shape).
package main

import "conduit/internal/cli"

func main() {
	cli.Execute()
}
