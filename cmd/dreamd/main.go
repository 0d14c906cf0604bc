// Package main is the dreamd daemon entrypoint.
package main

import "github.com/dream-sh/dream-agent/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
