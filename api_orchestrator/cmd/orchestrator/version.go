package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"curator/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("orchestrator"))
			return nil
		},
	}
}
