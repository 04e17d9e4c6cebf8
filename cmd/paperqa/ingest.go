package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/paperqa/engine/config"
	"github.com/WessleyAI/paperqa/engine/ingest"
	"github.com/WessleyAI/paperqa/engine/ledger"
	"github.com/WessleyAI/paperqa/engine/search"
	"github.com/WessleyAI/paperqa/pkg/metrics"
	"github.com/WessleyAI/paperqa/pkg/natsutil"
)

// smokeQuery is searched after a run that stored papers when --smoke is set.
const smokeQuery = "What are the main approaches for discovering governing equations from data?"

var ingestFlags struct {
	dir         string
	policy      string
	fingerprint string
	workers     int
	watch       bool
	interval    time.Duration
	metricsPort int
	smoke       bool
	asJSON      bool
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Synchronize the documents directory into the vector index",
	Long: `Scans the documents directory for markdown files, extracts the paper table
from each new or changed file, and embeds and stores every paper not already
indexed. Unchanged files are skipped using the processed-files ledger.`,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.dir, "dir", "", "documents directory (default from config)")
	f.StringVar(&ingestFlags.policy, "policy", "", "recreate policy: full or incremental")
	f.StringVar(&ingestFlags.fingerprint, "fingerprint", "", "change detection: stat or sha256")
	f.IntVar(&ingestFlags.workers, "workers", 0, "records embedded in parallel per document")
	f.BoolVar(&ingestFlags.watch, "watch", false, "keep running and rescan when documents change")
	f.DurationVar(&ingestFlags.interval, "interval", 0, "with --watch, also rescan on this interval")
	f.IntVar(&ingestFlags.metricsPort, "metrics-port", 0, "serve /metrics on this port while running")
	f.BoolVar(&ingestFlags.smoke, "smoke", false, "run a test query after papers are stored")
	f.BoolVar(&ingestFlags.asJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(ingestCmd)
}

// applyIngestFlags overrides config values with flags that were set.
func applyIngestFlags(cfg *config.Config) error {
	if ingestFlags.dir != "" {
		cfg.Ingest.Dir = ingestFlags.dir
	}
	if ingestFlags.policy != "" {
		cfg.Ingest.Policy = ingestFlags.policy
	}
	if ingestFlags.fingerprint != "" {
		cfg.Ingest.Fingerprint = ingestFlags.fingerprint
	}
	if ingestFlags.workers > 0 {
		cfg.Ingest.Workers = ingestFlags.workers
	}
	return cfg.Validate()
}

func runIngest(cmd *cobra.Command, _ []string) error {
	log := newLogger(os.Stderr, jsonLogs, verbose)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyIngestFlags(&cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	if ingestFlags.metricsPort > 0 {
		srv := reg.ServeAsync(":"+strconv.Itoa(ingestFlags.metricsPort), log)
		defer srv.Close()
	}

	svc, err := openServices(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	led, err := ledger.Load(cfg.Ingest.Ledger, log)
	if err != nil {
		return err
	}
	opts := cfg.IngestOptions()
	tracker, err := ingest.NewTracker(ingest.Deps{
		Embedder: svc.embed,
		Store:    svc.store,
		Ledger:   led,
		Graph:    svc.graphSink(),
		Metrics:  reg,
		Logger:   log,
	}, opts)
	if err != nil {
		return err
	}

	r := &ingestRun{
		dir:     cfg.Ingest.Dir,
		glob:    cfg.Ingest.Glob,
		fp:      opts.Fingerprint,
		tracker: tracker,
		out:     cmd.OutOrStdout(),
		log:     log,
		subject: cfg.NATS.Subject,
	}
	if svc.nc != nil {
		r.publisher = svc.nc
	}
	if ingestFlags.smoke {
		r.smoke = svc.searcher()
	}

	if !ingestFlags.watch {
		return r.once(ctx)
	}
	err = ingest.Watch(ctx, r.dir, r.glob, ingest.WatchOptions{Interval: ingestFlags.interval, Logger: log}, r.once)
	log.Info("shutting down")
	return err
}

// ingestRun performs one discover/synchronize/report cycle.
type ingestRun struct {
	dir, glob string
	fp        ingest.Fingerprint
	tracker   *ingest.Tracker
	out       io.Writer
	log       *slog.Logger

	publisher natsutil.Publisher // optional
	subject   string
	smoke     *search.Searcher // optional
}

func (r *ingestRun) once(ctx context.Context) error {
	docs, err := ingest.Discover(r.dir, r.glob, r.fp, r.log)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		r.log.Warn("no documents found", "dir", r.dir, "glob", r.glob)
	}

	rep, err := r.tracker.Synchronize(ctx, docs)
	if err != nil {
		return err
	}
	if err := writeReport(r.out, rep, ingestFlags.asJSON); err != nil {
		return err
	}

	if r.publisher != nil && rep.Changed() {
		if err := natsutil.Publish(ctx, r.publisher, r.subject, rep); err != nil {
			r.log.Warn("publish run report failed", "subject", r.subject, "err", err)
		}
	}
	if r.smoke != nil && rep.Stored > 0 {
		r.runSmoke(ctx)
	}
	return nil
}

func (r *ingestRun) runSmoke(ctx context.Context) {
	results, err := r.smoke.Search(ctx, search.NewSession(), smokeQuery, 3)
	if err != nil {
		r.log.Warn("smoke query failed", "err", err)
		return
	}
	fmt.Fprintf(r.out, "\nQuery: %s\n", smokeQuery)
	printResults(r.out, results)
}

func writeReport(w io.Writer, rep ingest.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	if !rep.Changed() {
		_, err := fmt.Fprintf(w, "No new or modified files to process (%d documents checked)\n", rep.Documents)
		return err
	}
	_, err := fmt.Fprintf(w, `Ingestion finished in %s (policy %s)
  documents: %d checked, %d unchanged, %d processed, %d failed, %d vanished
  papers:    %d stored, %d duplicates, %d invalid, %d failed
`,
		rep.Duration.Round(time.Millisecond), rep.Policy,
		rep.Documents, rep.Unchanged, rep.Processed, rep.FailedDocuments, rep.Vanished,
		rep.Stored, rep.Duplicates, rep.Invalid, rep.Failed)
	if err == nil && rep.Recreated {
		_, err = fmt.Fprintln(w, "  collection was recreated")
	}
	return err
}
