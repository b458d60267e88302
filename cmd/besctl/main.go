// Command besctl drives the bes-transport pipeline from the command line:
// publish sends a small canned sequence of build events to a collector
// (real or fake), simulate drives the fake collector through a scripted
// fault-injection scenario, and version prints the build version.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/bes-transport/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "besctl: %v\n", err)
		os.Exit(1)
	}
}
