package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set with -ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "chagpt",
	Short:   "chagpt - live danmaku hub for stage events",
	Long:    `Collects audience danmaku over WebSockets, routes them through a moderator and pushes approved ones to the on-screen display.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate("chagpt version {{.Version}}\n")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
