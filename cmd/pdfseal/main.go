// Command pdfseal signs and verifies PDF documents.
package main

import (
	"os"

	"github.com/georgepadayatti/pdfseal/cli"
)

// Set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	cli.Run(os.Args)
}
