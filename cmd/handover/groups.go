package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ternarybob/handover/internal/app"
	"github.com/ternarybob/handover/internal/models"
)

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect Workspace groups through the Admin Directory",
	}

	cmd.AddCommand(newGroupsListCmd())

	return cmd
}

func newGroupsListCmd() *cobra.Command {
	var customer string
	var domain string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every group of the account's customer",
		Long:  "Lists groups with the Admin SDK Directory API. The imported token must carry the " + models.DirectoryGroupScope + " scope granted by a Workspace admin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(application *app.App) error {
				groups, err := application.Groups.ListGroups(cmd.Context(), customer, domain)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, groups)
				}

				rows := make([][]string, 0, len(groups))
				for _, g := range groups {
					rows = append(rows, []string{
						g.Email,
						truncate(g.Name, 40),
						strconv.FormatInt(g.Members, 10),
						truncate(g.Description, 50),
					})
				}
				return renderTable(out, []string{"Email", "Name", "Members", "Description"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "Customer ID (defaults to my_customer)")
	cmd.Flags().StringVar(&domain, "domain", "", "Only list groups of this domain")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}
