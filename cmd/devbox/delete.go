package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omsf-eco-infra/devbox/cmd/devbox/ui"
)

func deleteCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <project>",
		Short: "Delete a project's AMI, snapshots, and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.storeManager(cmd.Context())
			if err != nil {
				return err
			}
			res, err := m.DeleteProject(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("deleted project %s", res.Project))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("AMI", res.ImageID),
				ui.KV("Snapshots", fmt.Sprintf("%d", len(res.DeletedSnapshots))),
				ui.KV("Volume records", fmt.Sprintf("%d", res.MetaRows)),
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete even when the project looks in use")
	return cmd
}
