package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/estuary/pull-replicator/ops"
	"github.com/estuary/pull-replicator/replication"
	"github.com/estuary/pull-replicator/replication/sqlitestore"
)

func main() {
	var opts config
	var parser = flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if err := opts.applyConfigFile(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if lvl, err := log.ParseLevel(opts.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.JSONFormatter{})

	if err := run(opts); err != nil {
		color.Red("pull-replicator failed: %v", err)
		os.Exit(1)
	}
}

func run(opts config) error {
	var store, err = sqlitestore.Open(opts.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer store.Close()

	var checkpts *replication.FileCheckpointStore
	checkpts, err = replication.NewFileCheckpointStore(opts.CheckpointDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}

	var authorizer replication.Authorizer = replication.NoAuthorizer{}
	if opts.JWTKey != "" {
		authorizer = replication.NewJWTBearerAuthorizer([]byte(opts.JWTKey), opts.JWTIssuer, opts.JWTSubject, 5*time.Minute)
	}

	var executor *replication.HTTPExecutor
	executor, err = replication.NewHTTPExecutor(opts.Remote, authorizer, "pull-replicator/1.0", opts.RateLimit)
	if err != nil {
		return fmt.Errorf("building HTTP executor: %w", err)
	}

	var repLog = ops.StdLogger("replicator")
	var tracker = replication.NewHTTPTracker(executor, ops.StdLogger("tracker"))

	var cfg = replication.Config{
		Remote:           opts.Remote,
		CheckpointKey:    opts.CheckpointKey,
		FilterName:       opts.Filter,
		FilterParameters: opts.FilterArgs,
		DocIDs:           opts.DocIDs,
		Continuous:       opts.Continuous,
		Heartbeat:        time.Duration(opts.Heartbeat) * time.Millisecond,
		UserAgent:        "pull-replicator/1.0",
	}

	var replicator = replication.New(cfg, store, tracker, executor, checkpts, repLog)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go serveMetrics(opts.MetricsAddr)

	if err = replicator.Start(ctx); err != nil {
		return fmt.Errorf("starting replicator: %w", err)
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	var ticker = time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal, stopping")
			replicator.Stop()
			return nil
		case <-ticker.C:
			var stats = replicator.Stats()
			log.WithFields(log.Fields{
				"running":   stats.Running,
				"online":    stats.Online,
				"caughtUp":  stats.CaughtUp,
				"processed": humanize.Comma(stats.ChangesProcessed),
				"total":     humanize.Comma(stats.ChangesTotal),
			}).Info("replicator status")
			if !opts.Continuous && stats.CaughtUp && stats.HTTPConnectionCount == 0 {
				replicator.Stop()
				return stats.Error
			}
		}
	}
}

func serveMetrics(addr string) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server exited")
	}
}
