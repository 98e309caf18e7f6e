// Command lineage-cache serves lineage queries over phylogenetic tree
// datasets held on local disk or in object storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/lineage-cache/credentials"
	"github.com/wolfeidau/lineage-cache/engine"
	"github.com/wolfeidau/lineage-cache/remote"
	"github.com/wolfeidau/lineage-cache/server"
	"github.com/wolfeidau/lineage-cache/telemetry"
)

var version = "dev"

// CLI is the command line and environment configuration.
type CLI struct {
	Address string `help:"Address to listen on." default:":8080"`

	DataDir         string `help:"Directory local dataset paths are confined to." default:"." type:"path"`
	CacheDir        string `help:"Directory for downloaded datasets, locks and stored listings." default:"./cache" type:"path"`
	CredentialsFile string `help:"Credentials template file supplying the API auth token and storage token." type:"path"`

	StorageDir string `help:"Serve remote:// datasets from this directory instead of object storage." type:"path" xor:"storage"`
	StorageURL string `help:"Object storage base URL." name:"storage-url" xor:"storage"`
	NoRemote   bool   `help:"Disable remote datasets and listings." xor:"storage"`

	FileContexts        int           `help:"Maximum loaded dataset files." default:"5"`
	MaxDatasetBytes     int64         `help:"Largest dataset file accepted, in bytes (0 for no limit)." default:"0"`
	SessionTTL          time.Duration `help:"Idle time before a session's graphs are dropped." default:"30m"`
	MaxGraphsPerSession int           `help:"Maximum cached graphs per session." default:"10"`
	ListingTTL          time.Duration `help:"How long an object listing is served before refreshing." default:"5m"`
	AccelMaxBytes       int64         `help:"Byte ceiling for downloaded datasets." default:"10737418240"`
	FetchTimeout        time.Duration `help:"Timeout for one dataset download." default:"5m"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("lineage-cache"),
		kong.Description("Cache server for lineage queries over tree datasets."),
		kong.DefaultEnvars("LINEAGE_CACHE"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		kctx.Exit(1)
	}
}

func run(cli *CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds := &credentials.Credentials{}
	if cli.CredentialsFile != "" {
		creds, err = credentials.NewResolver(credentials.WithLogger(logger)).ResolveFile(ctx, cli.CredentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials: %w", err)
		}
	}

	client, err := newRemote(cli, creds)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, engine.Config{
		DataDir:             cli.DataDir,
		CacheDir:            cli.CacheDir,
		Remote:              client,
		FileContexts:        cli.FileContexts,
		MaxDatasetBytes:     cli.MaxDatasetBytes,
		SessionTTL:          cli.SessionTTL,
		MaxGraphsPerSession: cli.MaxGraphsPerSession,
		ListingTTL:          cli.ListingTTL,
		AccelMaxBytes:       cli.AccelMaxBytes,
		FetchTimeout:        cli.FetchTimeout,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	}()
	eng.Start(ctx)

	srv, err := server.New(server.Config{
		Address:   cli.Address,
		AuthToken: creds.AuthToken,
		Engine:    eng,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"data_dir", cli.DataDir,
		"cache_dir", cli.CacheDir,
		"remote", client != nil,
		"auth", creds.AuthToken != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newRemote picks the object storage client. A nil client disables remote
// datasets.
func newRemote(cli *CLI, creds *credentials.Credentials) (remote.Client, error) {
	switch {
	case cli.NoRemote:
		return nil, nil
	case cli.StorageDir != "":
		client, err := remote.NewDirClient(cli.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage dir: %w", err)
		}
		return client, nil
	}

	opts := []remote.HTTPOption{}
	endpoint := cli.StorageURL
	if endpoint == "" {
		endpoint = creds.StorageEndpoint()
	}
	if endpoint != "" {
		opts = append(opts, remote.WithBaseURL(endpoint))
	}
	if token := creds.StorageToken(); token != "" {
		opts = append(opts, remote.WithToken(token))
	}
	return remote.NewHTTPClient(opts...), nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
