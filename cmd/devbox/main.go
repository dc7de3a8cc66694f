package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omsf-eco-infra/devbox/cmd/devbox/ui"
	"github.com/omsf-eco-infra/devbox/internal/dns"
	"github.com/omsf-eco-infra/devbox/internal/launch"
	devlog "github.com/omsf-eco-infra/devbox/internal/log"
	"github.com/omsf-eco-infra/devbox/internal/manager"
	"github.com/omsf-eco-infra/devbox/internal/params"
	"github.com/omsf-eco-infra/devbox/internal/state"
)

// set by the goreleaser configuration.
var version string = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}

// app holds the clients shared by every subcommand. The AWS config and the
// EC2 and SSM clients are built once in setup; anything that needs the
// deployment's SSM parameters (the record store, the DNS manager) is
// resolved on demand by the command that uses it.
type app struct {
	aws      aws.Config
	ec2      *ec2.Client
	params   *params.Client
	closeLog func()
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "devbox",
		Short:             "Manage devbox development environments on AWS",
		Version:           version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}

	cobra.OnInitialize(initConfig)

	flags := root.PersistentFlags()
	flags.String("region", "", "AWS region (defaults to the SDK chain)")
	flags.String("param-prefix", "/devbox", "SSM parameter prefix of the deployment")
	flags.String("log-level", "warn", "Log level: debug, info, warn, or error")
	flags.String("log-file", "", "Append JSON logs to this file")
	for _, name := range []string{"region", "param-prefix", "log-level", "log-file"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		statusCmd(a),
		launchCmd(a),
		newCmd(a),
		terminateCmd(a),
		deleteCmd(a),
	)
	return root
}

// initConfig layers configuration: flags win over DEVBOX_* environment
// variables, which win over $HOME/.devbox.yaml.
func initConfig() {
	viper.SetConfigName(".devbox")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("DEVBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Missing config file is fine.
	_ = viper.ReadInConfig()
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	handler, err := devlog.Console(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	if path := viper.GetString("log-file"); path != "" {
		handler, a.closeLog, err = devlog.TeeFile(handler, path)
		if err != nil {
			return err
		}
	}
	ctx := devlog.Context(cmd.Context(), handler)

	var opts []func(*awsconfig.LoadOptions) error
	if region := viper.GetString("region"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	a.aws = cfg
	a.ec2 = ec2.NewFromConfig(cfg)
	a.params = params.New(ssm.NewFromConfig(cfg), viper.GetString("param-prefix"))
	cmd.SetContext(ctx)
	return nil
}

// resources returns a Manager for listing and terminating. Those paths never
// touch the record store, so it is left nil; deletion goes through
// storeManager instead.
func (a *app) resources() *manager.Manager {
	return manager.New(a.ec2, nil)
}

func (a *app) stateStore(ctx context.Context) (*state.Store, error) {
	mainTable, metaTable, err := a.params.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	return state.NewStore(dynamodb.NewFromConfig(a.aws), mainTable, metaTable), nil
}

func (a *app) storeManager(ctx context.Context) (*manager.Manager, error) {
	store, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}
	return manager.New(a.ec2, store), nil
}

// launcher assembles the launch flow. withDNS controls whether the CNAME
// provider is resolved from SSM; registering a project needs no DNS.
func (a *app) launcher(ctx context.Context, withDNS bool) (*launch.Launcher, error) {
	store, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}
	cnames := dns.NewManager(nil)
	if withDNS {
		cnames, err = dns.ManagerFromSSM(ctx, a.params, route53.NewFromConfig(a.aws))
		if err != nil {
			return nil, err
		}
	}
	return launch.New(a.ec2, store, a.params, cnames, launch.Config{}), nil
}
