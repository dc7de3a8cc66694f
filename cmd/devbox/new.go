package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omsf-eco-infra/devbox/cmd/devbox/ui"
)

func newCmd(a *app) *cobra.Command {
	var project, baseAMI string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Register a project without launching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.launcher(cmd.Context(), false)
			if err != nil {
				return err
			}
			rec, err := l.CreateProject(cmd.Context(), project, baseAMI)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("registered project %s", rec.Name))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Base AMI", rec.BaseAMI),
				ui.KV("Status", string(rec.Status)),
			))
			fmt.Println(ui.Muted("launch it with: devbox launch --project " + rec.Name))
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Project name (required)")
	cmd.Flags().StringVar(&baseAMI, "base-ami", "", "AMI the first launch boots from (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("base-ami")
	return cmd
}
