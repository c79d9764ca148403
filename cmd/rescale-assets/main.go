// rescale-assets uploads datasets, models and pipelines to Rescale and
// tracks their server-side validation.
package main

import (
	"fmt"
	"os"

	"github.com/rescale/rescale-assets/internal/cli"
	"github.com/rescale/rescale-assets/internal/fips"
	"github.com/rescale/rescale-assets/internal/version"
)

// Version information
var (
	Version   = "v0.1.0"
	BuildTime = "2026-10-14"
)

func init() {
	fips.Init()
}

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
