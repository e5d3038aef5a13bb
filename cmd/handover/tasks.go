package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ternarybob/handover/internal/app"
	"github.com/ternarybob/handover/internal/models"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the invitation task log",
	}

	cmd.AddCommand(newTasksListCmd())

	return cmd
}

func newTasksListCmd() *cobra.Command {
	var status string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invitation tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewStorageOnly(config, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			store := application.StorageManager.TaskStorage()
			var tasks []*models.InvitationTask
			if status != "" {
				tasks, err = store.ListTasksByStatus(cmd.Context(), models.TaskStatus(status))
			} else {
				tasks, err = store.ListTasks(cmd.Context())
			}
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}

			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, []string{
					t.MessageID,
					string(t.Status),
					strconv.Itoa(t.AttemptCount),
					strconv.FormatBool(t.MarkedRead),
					truncate(t.Subject, 40),
					string(t.LastKind),
					formatTime(t.UpdatedAt),
				})
			}
			return renderTable(cmd.OutOrStdout(),
				[]string{"Message", "Status", "Attempts", "Read", "Subject", "Last failure", "Updated"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status (pending, in_progress, accepted, failed)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tasks as JSON")

	return cmd
}

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect error reports of permanently failed tasks",
	}

	cmd.AddCommand(newReportsListCmd(), newReportsShowCmd())

	return cmd
}

func newReportsListCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List error reports, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewStorageOnly(config, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			reports, err := application.StorageManager.ReportStorage().ListReports(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), reports)
			}

			rows := make([][]string, 0, len(reports))
			for _, r := range reports {
				rows = append(rows, []string{
					r.ID,
					r.MessageID,
					string(r.Kind),
					fmt.Sprintf("%d %s", r.StepIndex, r.StepName),
					strconv.Itoa(r.Attempts),
					truncate(r.Reason, 50),
					formatTime(r.CreatedAt),
				})
			}
			return renderTable(cmd.OutOrStdout(),
				[]string{"Report", "Message", "Kind", "Step", "Attempts", "Reason", "Created"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum reports to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")

	return cmd
}

func newReportsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reportId>",
		Short: "Show one error report with its page snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := app.NewStorageOnly(config, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			r, err := application.StorageManager.ReportStorage().GetReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := renderFields(out, [][2]string{
				{"Report", r.ID},
				{"Message", r.MessageID},
				{"Kind", string(r.Kind)},
				{"Reason", r.Reason},
				{"Step", fmt.Sprintf("%d %s", r.StepIndex, r.StepName)},
				{"Attempts", strconv.Itoa(r.Attempts)},
				{"Page", r.PageURL},
				{"Title", r.PageTitle},
				{"Actions", strings.Join(r.VisibleActions, " | ")},
				{"Created", formatTime(r.CreatedAt)},
			}); err != nil {
				return err
			}

			if r.Snapshot != "" {
				fmt.Fprintf(out, "\n%s\n", r.Snapshot)
			}
			return nil
		},
	}
}
