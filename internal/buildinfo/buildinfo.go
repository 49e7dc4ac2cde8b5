package buildinfo

import (
	"runtime"
	"time"
)

// Set via -ldflags at build time
var (
	Version    = "dev"
	BuildTime  string
	CommitHash string
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC()

// Info is the build description served by the status API and the CLI
type Info struct {
	Version    string `json:"version"`
	BuildTime  string `json:"build_time,omitempty"`
	CommitHash string `json:"commit,omitempty"`
	GoVersion  string `json:"go_version"`
	StartTime  string `json:"start_time"`
	Uptime     string `json:"uptime"`
}

// Current describes the running binary
func Current() Info {
	return Info{
		Version:    Version,
		BuildTime:  BuildTime,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
		StartTime:  StartTime.Format(time.RFC3339),
		Uptime:     time.Since(StartTime).Round(time.Second).String(),
	}
}
