package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func newPollCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one mailbox poll tick now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			if _, err := application.DispatcherService.Recover(cmd.Context()); err != nil {
				return err
			}

			result, err := application.DispatcherService.CheckNow(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, result)
			}
			return renderTable(out,
				[]string{"Listed", "Matched", "Created", "Processed", "Accepted", "Failed", "Marked read"},
				[][]string{{
					strconv.Itoa(result.Listed),
					strconv.Itoa(result.Matched),
					strconv.Itoa(result.Created),
					strconv.Itoa(result.Processed),
					strconv.Itoa(result.Accepted),
					strconv.Itoa(result.Failed),
					strconv.Itoa(result.MarkedRead),
				}},
			)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tick result as JSON")

	return cmd
}
