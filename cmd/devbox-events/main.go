package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/chainguard-dev/clog"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/omsf-eco-infra/devbox/internal/dns"
	"github.com/omsf-eco-infra/devbox/internal/lifecycle"
	devlog "github.com/omsf-eco-infra/devbox/internal/log"
	"github.com/omsf-eco-infra/devbox/internal/o11y"
	"github.com/omsf-eco-infra/devbox/internal/params"
	"github.com/omsf-eco-infra/devbox/internal/state"
)

// Handler names, one per deployed function. DEVBOX_HANDLER selects which
// lifecycle step this binary runs.
const (
	handlerCreateSnapshots = "create-snapshots"
	handlerCreateImage     = "create-image"
	handlerMarkReady       = "mark-ready"
	handlerDeleteVolume    = "delete-volume"
	handlerDNSCleanup      = "dns-cleanup"
)

var ErrUnknownHandler = fmt.Errorf("unknown handler")

// environment is the function's env contract. Table names may be injected
// directly; otherwise they are resolved from the deployment's SSM
// parameters under ParamPrefix. Unset tuning values fall back to the
// lifecycle defaults.
type environment struct {
	Handler             string        `envconfig:"DEVBOX_HANDLER" required:"true"`
	MainTable           string        `envconfig:"MAIN_TABLE"`
	MetaTable           string        `envconfig:"META_TABLE"`
	ParamPrefix         string        `envconfig:"PARAM_PREFIX" default:"/devbox"`
	ManagedBy           string        `envconfig:"MANAGED_BY_TAG"`
	CleanupMaxAttempts  int           `envconfig:"CLEANUP_MAX_ATTEMPTS"`
	CleanupWaitInterval time.Duration `envconfig:"CLEANUP_WAIT_INTERVAL"`
}

// handlerFunc parses an EventBridge detail payload and runs one lifecycle
// step against it.
type handlerFunc func(ctx context.Context, detail json.RawMessage) error

func main() {
	ctx := devlog.Context(context.Background(), devlog.JSON(os.Stdout))

	var env environment
	if err := envconfig.Process("", &env); err != nil {
		log.Fatal(err.Error())
	}

	// Spans export synchronously per invocation and the runtime freezes
	// the process between them, so the shutdown hook is never called.
	if _, err := o11y.SetupTracing(ctx, "devbox-events"); err != nil {
		log.Fatal(err.Error())
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal(err.Error())
	}
	ec2Client := ec2.NewFromConfig(cfg)
	deployment := params.New(ssm.NewFromConfig(cfg), env.ParamPrefix)

	mainTable, metaTable := env.MainTable, env.MetaTable
	if mainTable == "" {
		mainTable, metaTable, err = deployment.TableNames(ctx)
		if err != nil {
			log.Fatal(err.Error())
		}
	} else if metaTable == "" {
		metaTable = mainTable + "-meta"
	}
	store := state.NewStore(dynamodb.NewFromConfig(cfg), mainTable, metaTable)

	lc := lifecycle.New(ec2Client, store, lifecycle.Config{
		ManagedByTag:        env.ManagedBy,
		CleanupMaxAttempts:  env.CleanupMaxAttempts,
		CleanupWaitInterval: env.CleanupWaitInterval,
	})

	var dc *lifecycle.DNSCleanup
	if env.Handler == handlerDNSCleanup {
		manager, err := dns.ManagerFromSSM(ctx, deployment, route53.NewFromConfig(cfg))
		if err != nil {
			log.Fatal(err.Error())
		}
		dc = lifecycle.NewDNSCleanup(ec2Client, store, manager)
	}

	h, err := dispatch(env.Handler, lc, dc)
	if err != nil {
		log.Fatal(err.Error())
	}

	lambda.StartWithOptions(run(env.Handler, h), lambda.WithContext(ctx))
}

// dispatch maps a handler name to its parse-then-handle step. Unknown names
// error so a misconfigured function fails at startup, not on first event.
func dispatch(name string, lc *lifecycle.Lifecycle, dc *lifecycle.DNSCleanup) (handlerFunc, error) {
	switch name {
	case handlerCreateSnapshots:
		return func(ctx context.Context, detail json.RawMessage) error {
			d, err := lifecycle.ParseInstanceState(detail)
			if err != nil {
				return err
			}
			return lc.HandleInstanceShutdown(ctx, d)
		}, nil
	case handlerCreateImage:
		return func(ctx context.Context, detail json.RawMessage) error {
			d, err := lifecycle.ParseSnapshotResult(detail)
			if err != nil {
				return err
			}
			return lc.HandleSnapshotCompleted(ctx, d)
		}, nil
	case handlerMarkReady:
		return func(ctx context.Context, detail json.RawMessage) error {
			d, err := lifecycle.ParseImageState(detail)
			if err != nil {
				return err
			}
			return lc.HandleImageAvailable(ctx, d)
		}, nil
	case handlerDeleteVolume:
		return func(ctx context.Context, detail json.RawMessage) error {
			d, err := lifecycle.ParseVolumeState(detail)
			if err != nil {
				return err
			}
			return lc.HandleVolumeAvailable(ctx, d)
		}, nil
	case handlerDNSCleanup:
		return func(ctx context.Context, detail json.RawMessage) error {
			d, err := lifecycle.ParseInstanceState(detail)
			if err != nil {
				return err
			}
			return dc.HandleInstanceTerminated(ctx, d)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
}

// run wraps a handlerFunc for lambda.Start: one span per invocation and a
// logger carrying the handler name and event id.
func run(name string, h handlerFunc) func(ctx context.Context, event events.CloudWatchEvent) error {
	tracer := otel.Tracer("devbox-events")
	return func(ctx context.Context, event events.CloudWatchEvent) error {
		ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
			attribute.String(o11y.AttrHandler, name),
			attribute.String(o11y.AttrEventID, event.ID),
		))
		defer span.End()

		logger := clog.FromContext(ctx).With(o11y.AttrHandler, name, o11y.AttrEventID, event.ID)
		ctx = clog.WithLogger(ctx, logger)

		logger.Info("handling event", "detail_type", event.DetailType, "source", event.Source)
		if err := h(ctx, event.Detail); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("event handling failed", "error", err)
			return err
		}
		return nil
	}
}
