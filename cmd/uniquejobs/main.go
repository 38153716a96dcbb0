// Command uniquejobs enqueues jobs through their client locks and inspects lock records.
package main

import "github.com/nimburion/uniquejobs/pkg/cli"

// Overridden at build time:
// go build -ldflags="-X main.version=v1.2.3 -X main.commit=abc123 -X main.buildTime=2026-01-01T00:00:00Z"
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:        "uniquejobs",
		Description: "Unique job locking for the Redis jobs runtime",
		EnvPrefix:   "UNIQUEJOBS",
		Build: cli.BuildInfo{
			Version:   version,
			Commit:    commit,
			BuildTime: buildTime,
		},
	}))
}
