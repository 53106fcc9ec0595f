// Command encoder-worker runs the Job Lifecycle Engine: it polls a
// Gateway for transcode jobs (or accepts them directly over the Direct
// API Server), runs them through the Transcoder, persists results to
// the Content Store and reports completion, all while guarding its own
// memory footprint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/livepeer/encoder-worker/config"
	"github.com/livepeer/encoder-worker/internal/dbverify"
	"github.com/livepeer/encoder-worker/internal/directapi"
	"github.com/livepeer/encoder-worker/internal/engine"
	"github.com/livepeer/encoder-worker/internal/gateway"
	"github.com/livepeer/encoder-worker/internal/identity"
	"github.com/livepeer/encoder-worker/internal/lazypin"
	"github.com/livepeer/encoder-worker/internal/memguard"
	"github.com/livepeer/encoder-worker/internal/metrics"
	"github.com/livepeer/encoder-worker/internal/pinstore"
	"github.com/livepeer/encoder-worker/internal/probe"
	"github.com/livepeer/encoder-worker/internal/queue"
	"github.com/livepeer/encoder-worker/internal/store"
	"github.com/livepeer/encoder-worker/internal/subprocess"
	"github.com/livepeer/encoder-worker/internal/transcode"
	"github.com/livepeer/encoder-worker/internal/webhook"
	"github.com/livepeer/encoder-worker/internal/xlog"
)

func main() {
	if err := flag.Set("logtostderr", "true"); err != nil {
		glog.Fatal(err)
	}
	fs := flag.NewFlagSet("encoder-worker", flag.ExitOnError)
	cli := config.Cli{}

	fs.StringVar(&cli.DataDir, "data-dir", "data", "Directory holding on-disk persistent state (identity file, pending-pin store)")
	fs.StringVar(&cli.GatewayURL, "gateway-url", "", "Base URL of the Gateway this worker polls for jobs")
	fs.StringVar(&cli.DatabaseConnectionString, "database-connection-string", "", "Connection string for the shared job database used by the Database Verifier. Empty disables it")

	config.InvertedBoolFlag(fs, &cli.DirectAPIEnabled, "direct-api", true, "Disable the Direct API Server. Should only be used when every job arrives via the Gateway")
	fs.StringVar(&cli.DirectAPIAddr, "direct-api-addr", "0.0.0.0:8935", "Address to bind the Direct API Server to")
	fs.StringVar(&cli.DirectAPIKey, "direct-api-key", "", "API key required on Direct API requests")

	fs.StringVar(&cli.ContentStoreDaemonURL, "content-store-daemon-url", "http://127.0.0.1:5001", "Base URL of the local content-addressed daemon")
	config.URLSliceVarFlag(fs, &cli.ContentStoreGateways, "content-store-gateways", nil, "Comma delimited ordered list of read-through content gateways tried before the daemon")
	config.InvertedBoolFlag(fs, &cli.LocalPinFallback, "content-store-pin-fallback", true, "Disable the direct-daemon pin fallback when the primary pin path fails")

	fs.StringVar(&cli.FFmpegPath, "ffmpeg-path", "ffmpeg", "Path to the ffmpeg binary. Accepted but not used: encodes run the ffmpeg found on PATH")
	fs.StringVar(&cli.FFprobePath, "ffprobe-path", "ffprobe", "Path to the ffprobe binary")
	fs.IntVar(&cli.MaxConcurrent, "max-concurrent", 2, "Maximum number of jobs this worker runs in parallel")

	fs.StringVar(&cli.IdentityDisplayName, "identity-display-name", "", "Human-readable name recorded alongside this worker's identity file")

	fs.StringVar(&cli.PromAddr, "prom-addr", "0.0.0.0:9090", "Address to bind the Prometheus /metrics listener to")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("ENCODER_WORKER"),
	); err != nil {
		glog.Fatalf("error parsing flags: %v", err)
	}

	config.DataDir = cli.DataDir
	config.MaxConcurrent = cli.MaxConcurrent
	ffprobe.SetFFProbeBinPath(cli.FFprobePath)

	if cli.GatewayURL == "" {
		glog.Fatal("-gateway-url is required")
	}
	if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
		glog.Fatalf("error creating data dir %s: %v", cli.DataDir, err)
	}

	id, err := identity.Load(filepath.Join(cli.DataDir, "encoder-identity"), cli.IdentityDisplayName)
	if err != nil {
		glog.Fatalf("error loading identity: %v", err)
	}
	xlog.LogNoJobID("worker identity loaded", "did", id.DID(), "encoderId", id.EncoderID())

	db, err := dbverify.New(cli.DatabaseConnectionString)
	if err != nil {
		glog.Fatalf("error configuring database verifier: %v", err)
	}

	pins, err := pinstore.New(filepath.Join(cli.DataDir, "pending_pins.json"))
	if err != nil {
		glog.Fatalf("error loading pending pin store: %v", err)
	}

	children := subprocess.NewRegistry()
	storeClient := store.New(cli.ContentStoreDaemonURL, cli.ContentStoreGateways, cli.LocalPinFallback)
	processor := transcode.NewProcessor(storeClient, probe.FFProbe{}, filepath.Join(cli.DataDir, "work"), children)

	gw := gateway.New(cli.GatewayURL, id, config.GatewayPollTimeout)
	wh := webhook.New()

	q := queue.New(cli.MaxConcurrent)
	eng := engine.New(q, gw, db, storeClient, processor, pins, wh, id, cli.MaxConcurrent)

	lazyPinner := lazypin.New(pins, eng, storeClient, config.LazyPinInterval)
	memGuard := memguard.New(children, config.MemoryGuardInterval, config.MemorySoftThresholdBytes, config.MemoryHardThresholdBytes)
	directAPI := directapi.New(q, cli)

	group, ctx := errgroup.WithContext(context.Background())

	eng.Start(ctx)
	group.Go(func() error {
		<-ctx.Done()
		eng.Stop()
		return nil
	})

	group.Go(func() error {
		lazyPinner.Run(ctx)
		return nil
	})

	group.Go(func() error {
		memGuard.Run(ctx)
		return nil
	})

	group.Go(func() error {
		return serveUntilShutdown(ctx, cli.DirectAPIAddr, directAPI.Router())
	})

	group.Go(func() error {
		return serveMetricsUntilShutdown(ctx, cli.PromAddr)
	})

	group.Go(func() error {
		return handleSignals(ctx)
	})

	err = group.Wait()
	xlog.LogNoJobID("shutdown complete", "reason", err)
}

// serveUntilShutdown runs an http.Server until ctx is cancelled, then
// shuts it down gracefully.
func serveUntilShutdown(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errc := make(chan error, 1)
	go func() {
		xlog.LogNoJobID("starting direct API listener", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errc:
		return err
	}
}

func serveMetricsUntilShutdown(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		if err := metrics.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			xlog.LogNoJobID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
