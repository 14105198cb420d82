package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/showcase/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
				return err
			}
			info := version.Read()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "module:   %s\nversion:  %s\nrevision: %s\nmodified: %t\ngo:       %s\n",
				info.Module, info.Version, info.Revision, info.Modified, info.GoVersion)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build details")
	return cmd
}
