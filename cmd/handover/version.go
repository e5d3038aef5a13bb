package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/handover/internal/common"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Handover version %s\n", common.GetFullVersion())
		},
	}
}
