package main

import (
	"fmt"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/omsf-eco-infra/devbox/cmd/devbox/ui"
	"github.com/omsf-eco-infra/devbox/internal/launch"
)

func launchCmd(a *app) *cobra.Command {
	var opts launch.Options

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch an instance from a project's latest image",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.launcher(cmd.Context(), true)
			if err != nil {
				return err
			}
			res, err := l.Launch(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printLaunch(res)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Project, "project", "", "Project name (required)")
	flags.StringVar(&opts.InstanceType, "instance-type", "", "EC2 instance type (defaults to the project's last one)")
	flags.StringVar(&opts.KeyPair, "key-pair", "", "SSH key pair name (defaults to the project's last one)")
	flags.Int32Var(&opts.VolumeSize, "volume-size", 100, "Minimum root volume size in GiB")
	flags.StringVar(&opts.BaseAMI, "base-ami", "", "Base AMI for a project that has never launched")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printLaunch(res *launch.Result) {
	if res.NewProject {
		fmt.Println(ui.SuccessMsg("created project %s and launched its first instance", res.Project))
	} else {
		fmt.Println(ui.SuccessMsg("launched instance for %s", res.Project))
	}
	fmt.Println()
	fmt.Print(ui.KeyValues("  ",
		ui.KV("Instance", res.InstanceID),
		ui.KV("State", res.State),
		ui.KV("Type", res.InstanceType),
		ui.KV("AMI", res.ImageID),
		ui.KV("Zone", res.Zone),
		ui.KV("Private IP", res.PrivateIP),
		ui.KV("Public IP", res.PublicIP),
		ui.KV("Public DNS", res.PublicDNS),
		ui.KV("CNAME", res.CNAME),
	))

	if hint := sshHint(res); hint != "" {
		fmt.Println()
		fmt.Println("Connect with:")
		fmt.Println(ui.Accent("  " + hint))
	}
}

// sshHint builds a paste-ready ssh command line, preferring the stable CNAME
// over the per-launch public IP.
func sshHint(res *launch.Result) string {
	target := res.CNAME
	if target == "" {
		target = res.PublicIP
	}
	if target == "" || res.Username == "" {
		return ""
	}
	identity := "/path/to/your-key.pem"
	if res.KeyPair != "" {
		identity = "/path/to/" + res.KeyPair + ".pem"
	}
	return shellquote.Join("ssh", "-i", identity, res.Username+"@"+target)
}
