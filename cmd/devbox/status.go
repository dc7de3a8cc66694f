package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omsf-eco-infra/devbox/cmd/devbox/ui"
	"github.com/omsf-eco-infra/devbox/internal/manager"
)

func statusCmd(a *app) *cobra.Command {
	var orphans bool

	cmd := &cobra.Command{
		Use:   "status [project]",
		Short: "Show devbox instances, volumes, and snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if len(args) > 0 {
				project = args[0]
			}
			status, err := a.resources().Status(cmd.Context(), project, orphans)
			if err != nil {
				return err
			}
			printStatus(status, orphans)
			return nil
		},
	}

	cmd.Flags().BoolVar(&orphans, "orphans", false, "Only list orphaned volumes and snapshots")
	return cmd
}

func printStatus(status *manager.ProjectStatus, orphansOnly bool) {
	suffix := ""
	if orphansOnly {
		suffix = ", orphans only"
	}

	fmt.Println(ui.Title("EC2 Instances (%d)", len(status.Instances)))
	if len(status.Instances) == 0 {
		fmt.Println(ui.Muted("no instances found"))
	} else {
		rows := make([][]string, len(status.Instances))
		for i, inst := range status.Instances {
			rows[i] = []string{inst.ID, inst.Project, inst.PublicIP, inst.State, inst.Type, formatUptime(inst.LaunchTime)}
		}
		fmt.Println(ui.Table([]string{"Instance ID", "Project", "Public IP", "State", "Type", "Uptime"}, rows))
	}

	fmt.Println()
	fmt.Println(ui.Title("EBS Volumes (%d%s)", len(status.Volumes), suffix))
	if len(status.Volumes) == 0 {
		fmt.Println(ui.Muted("no volumes found"))
	} else {
		rows := make([][]string, len(status.Volumes))
		for i, vol := range status.Volumes {
			rows[i] = []string{vol.ID, vol.Project, vol.State, fmt.Sprintf("%d", vol.SizeGiB), vol.Zone, orphanMark(vol.Orphaned)}
		}
		fmt.Println(ui.Table([]string{"Volume ID", "Project", "State", "Size (GiB)", "AZ", "Orphaned"}, rows))
	}

	fmt.Println()
	fmt.Println(ui.Title("EBS Snapshots (%d%s)", len(status.Snapshots), suffix))
	if len(status.Snapshots) == 0 {
		fmt.Println(ui.Muted("no snapshots found"))
	} else {
		rows := make([][]string, len(status.Snapshots))
		for i, snap := range status.Snapshots {
			rows[i] = []string{snap.ID, snap.Project, fmt.Sprintf("%d", snap.SizeGiB), snap.Progress, formatCreated(snap.StartTime), orphanMark(snap.Orphaned)}
		}
		fmt.Println(ui.Table([]string{"Snapshot ID", "Project", "Size (GiB)", "Progress", "Created", "Orphaned"}, rows))
	}
}

func orphanMark(orphaned bool) string {
	if orphaned {
		return ui.WarnStyle.Render("✓")
	}
	return ui.FaintStyle.Render("✗")
}

func formatCreated(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func formatUptime(since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(since))
}

// formatDuration renders an uptime like "3d 04:05:59", dropping the day
// part under 24h.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
