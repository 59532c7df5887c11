// Package main implements the cloudmig command-line interface: a single
// "run" command that loads configuration, wires the backend store
// clients, and drives a migration to completion.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	azservice "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"github.com/gurre/cloudmig/cloudlog"
	"github.com/gurre/cloudmig/config"
	"github.com/gurre/cloudmig/migrator"
	"github.com/gurre/cloudmig/statusstore"
	"github.com/gurre/cloudmig/store"
	"github.com/gurre/cloudmig/viewer"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "cloudmig",
	Short:         "Resumable object-store migration engine",
	Long:          `cloudmig copies a set of buckets from one object store to another, tracking progress so an interrupted run can resume exactly where it left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a migration to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigration(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to cloudmig.yaml (default: search ./cloudmig.yaml)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMigration(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cloudlog.New(cfg.Logging, os.Stdout)
	ctx = cloudlog.WithContext(ctx, logger)

	srcFactory, err := clientFactory(cfg.SourceBackend, cfg.SourceRoot, cfg.Region)
	if err != nil {
		return fmt.Errorf("building source client factory: %w", err)
	}
	dstFactory, err := clientFactory(cfg.DestBackend, cfg.DestRoot, cfg.Region)
	if err != nil {
		return fmt.Errorf("building destination client factory: %w", err)
	}

	// The status store itself is always persisted on the destination, so
	// a failed run can be resumed by pointing at the same destination
	// without any extra bookkeeping.
	statusClient, err := dstFactory(ctx)
	if err != nil {
		return fmt.Errorf("building status-store client: %w", err)
	}

	mappings := make([]statusstore.BucketMapping, len(cfg.Buckets))
	var srcHost, dstHost string
	for i, m := range cfg.Buckets {
		mappings[i] = statusstore.BucketMapping{Src: store.Locator(m.Src), Dst: store.Locator(m.Dst)}
		if i == 0 {
			srcHost, dstHost = m.Src, m.Dst
		}
	}

	status, err := statusstore.Open(ctx, statusClient, statusstore.DeriveName(srcHost, dstHost))
	if err != nil {
		return fmt.Errorf("opening status store: %w", err)
	}
	status.Digest.RefreshFrequency = cfg.DigestRefreshFrequency

	if cfg.Metrics.Enabled {
		if err := status.Digest.RegisterPrometheus(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering prometheus metrics: %w", err)
		}
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go serveMetrics(addr, logger)
	}

	if err := status.Reconcile(ctx, mappings, cfg.ForceResume); err != nil {
		return fmt.Errorf("reconciling status store: %w", err)
	}

	if err := runPreflight(ctx, cfg, logger); err != nil {
		return fmt.Errorf("preflight check: %w", err)
	}

	drv := migrator.New(cfg, status, srcFactory, dstFactory, logger)

	socketDir := cfg.ViewerSocketDir
	if socketDir == "" {
		socketDir = filepath.Join(os.TempDir(), "cloudmig", fmt.Sprintf("%d", os.Getpid()))
	}
	srv, err := viewer.New(viewer.SocketPath(socketDir), drv)
	if err != nil {
		return fmt.Errorf("starting viewer socket: %w", err)
	}
	defer srv.Close()
	drv.Notify = srv.Notify

	viewerCtx, stopViewer := context.WithCancel(ctx)
	defer stopViewer()
	go func() {
		if err := srv.Serve(viewerCtx); err != nil {
			logger.Warn().Err(err).Msg("viewer server stopped")
		}
	}()

	logger.Info().Int("buckets", len(mappings)).Int("threads", cfg.NBThreads).Msg("starting migration")
	if err := drv.Run(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info().Msg("migration complete")
	return nil
}

// serveMetrics exposes the registered Prometheus gauges on addr until the
// listener fails; a failure here never aborts the migration itself, it
// just leaves metrics unavailable.
func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

// runPreflight simulates every required S3 action against each bucket
// living on an s3 backend, using the caller's own identity, so a missing
// permission surfaces before any transfer starts rather than mid-run.
// Backends other than s3 have no IAM-simulation surface and are skipped.
func runPreflight(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.SourceBackend != "s3" && cfg.DestBackend != "s3" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config for preflight: %w", err)
	}
	identity, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("resolving calling principal: %w", err)
	}
	principal := aws.ToString(identity.Arn)

	var buckets []string
	for _, m := range cfg.Buckets {
		if cfg.SourceBackend == "s3" {
			buckets = append(buckets, bucketName(m.Src))
		}
		if cfg.DestBackend == "s3" {
			buckets = append(buckets, bucketName(m.Dst))
		}
	}

	pf := store.NewPreflight(iam.NewFromConfig(awsCfg))
	for _, b := range buckets {
		resource := fmt.Sprintf("arn:aws:s3:::%s", b)
		if err := pf.Check(ctx, principal, resource); err != nil {
			return err
		}
	}
	logger.Info().Int("buckets_checked", len(buckets)).Msg("preflight permissions check passed")
	return nil
}

// bucketName strips the trailing ":relpath" a locator may carry, leaving
// just the bucket the IAM simulation runs against.
func bucketName(locator string) string {
	if i := strings.IndexByte(locator, ':'); i >= 0 {
		return locator[:i]
	}
	return locator
}

// clientFactory returns a migrator.ClientFactory for the named backend.
// Every call builds a brand-new client so concurrent workers never share
// connection state.
func clientFactory(backend, root, region string) (migrator.ClientFactory, error) {
	switch backend {
	case "fs":
		return func(ctx context.Context) (store.Client, error) {
			return store.NewFS(root)
		}, nil
	case "s3":
		return func(ctx context.Context) (store.Client, error) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("loading AWS config: %w", err)
			}
			return store.NewS3(s3.NewFromConfig(awsCfg)), nil
		}, nil
	case "azure":
		return func(ctx context.Context) (store.Client, error) {
			connStr := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
			if connStr == "" {
				return nil, fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING is not set")
			}
			svc, err := azservice.NewClientFromConnectionString(connStr, nil)
			if err != nil {
				return nil, fmt.Errorf("creating azure service client: %w", err)
			}
			return store.NewAzure(newAzureClient(svc)), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
