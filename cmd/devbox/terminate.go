package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omsf-eco-infra/devbox/cmd/devbox/ui"
)

func terminateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <project-or-instance-id>",
		Short: "Terminate a devbox instance and kick off its snapshot cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term, err := a.resources().TerminateInstance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("terminating %s", term.InstanceID))
			if term.Project != "" {
				fmt.Println(ui.Muted("  " + term.Project + " will snapshot its volumes and register a fresh AMI"))
			}
			return nil
		},
	}
}
