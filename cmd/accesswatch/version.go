package main

import (
	"runtime"

	"accesswatch/internal/version"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			pterm.Fprintln(cmd.OutOrStdout(), "AccessWatch - Access Log Anomaly Watchdog")
			pterm.Fprintln(cmd.OutOrStdout(), "  Version:    "+version.Version)
			pterm.Fprintln(cmd.OutOrStdout(), "  Go version: "+runtime.Version())
		},
	}
}
