package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
	"github.com/Sriram-PR/frontier-crawler/pkg/crawler"
	"github.com/Sriram-PR/frontier-crawler/pkg/fetch"
	"github.com/Sriram-PR/frontier-crawler/pkg/frontier"
	"github.com/Sriram-PR/frontier-crawler/pkg/handler"
	"github.com/Sriram-PR/frontier-crawler/pkg/report"
	"github.com/Sriram-PR/frontier-crawler/pkg/rules"
	"github.com/Sriram-PR/frontier-crawler/pkg/scheduler"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
	"github.com/Sriram-PR/frontier-crawler/pkg/sitemap"
	"github.com/Sriram-PR/frontier-crawler/pkg/storage"
	"github.com/Sriram-PR/frontier-crawler/pkg/utils"
	"github.com/Sriram-PR/frontier-crawler/pkg/watchdog"
)

const version = "0.4.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsageTo(stderr)
		return 1
	}

	switch args[0] {
	case "crawl":
		return runCrawl(args[1:], false, stderr)
	case "resume":
		return runCrawl(args[1:], true, stderr)
	case "validate":
		return runValidate(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "frontier-crawler %s\n", version)
		return 0
	case "-h", "--help", "help":
		printUsageTo(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		printUsageTo(stderr)
		return 1
	}
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `frontier-crawler - Rule-driven web crawler with a persistent frontier

Usage:
  frontier-crawler <command> [options]

Commands:
  crawl     Start a fresh crawl (discards existing frontier state)
  resume    Continue a crawl from its persisted frontier
  validate  Validate a job configuration file
  status    Print frontier counts from persisted state
  export    Write every frontier record as hash, status, priority, url
  version   Show version info

Run 'frontier-crawler <command> -h' for command-specific help.`)
}

// commonFlags are shared by every subcommand that reads a job file
type commonFlags struct {
	config    *string
	logLevel  *string
	logFormat *string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs, commonFlags{
		config:    fs.String("config", "job.yaml", "Path to YAML job file"),
		logLevel:  fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)"),
		logFormat: fs.String("logformat", "text", "Log format (text, json)"),
	}
}

// newLogger builds the process logger. Invalid settings fall back to defaults with a warning.
func newLogger(level, format string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
		if format != "text" {
			log.Warnf("Invalid log format '%s', using 'text'", format)
		}
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", level, err)
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// loadJob loads and validates a job file, logging warnings
func loadJob(path string, log *logrus.Entry) (*config.JobConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runCrawl handles both crawl and resume subcommands
func runCrawl(args []string, resume bool, stderr io.Writer) int {
	cmdName := "crawl"
	if resume {
		cmdName = "resume"
	}
	fs, common := newFlagSet(cmdName, stderr)
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: frontier-crawler %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	log := newLogger(*common.logLevel, *common.logFormat, stderr)
	entry := logrus.NewEntry(log)

	log.Infof("Loading configuration from %s", *common.config)
	cfg, err := loadJob(*common.config, entry)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return 1
	}
	logJobConfig(cfg, entry)

	if *pprofAddr != "" {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("PANIC in pprof server: %v", r)
				}
			}()
			log.Infof("Starting pprof HTTP server on: http://%s/debug/pprof/", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Errorf("Pprof server failed to start on %s: %v", *pprofAddr, err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal drains gracefully, a second one forces exit
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		log.Warnf("Received signal: %v. Draining in-flight tasks; send again to force exit", sig)
		cancel()
		sig = <-sigChan
		log.Warnf("Received second signal: %v. Forcing exit.", sig)
		os.Exit(1)
	}()

	sess, err := executeCrawl(ctx, cfg, resume, entry)
	if err != nil {
		log.Errorf("Crawl finished with error: %v", err)
		return 1
	}
	log.WithField("stop_reason", sess.StopReason()).Info("Crawl finished")
	return 0
}

// executeCrawl wires every component for cfg and runs the scheduler to completion.
// Cancelling ctx requests a graceful stop.
func executeCrawl(ctx context.Context, cfg *config.JobConfig, resume bool, log *logrus.Entry) (*session.Context, error) {
	sess := session.New(cfg, log)
	sessLog := sess.Log()

	store, err := storage.Open(ctx, cfg.Storage, cfg.JobID, resume, sessLog)
	if err != nil {
		return sess, fmt.Errorf("opening frontier store: %w", err)
	}

	pool := rules.NewPool(rules.Options{ResourceExtensions: cfg.ResourceExtensions})
	front, err := frontier.New(ctx, store, pool, frontier.Options{
		IngestionFilter: cfg.Rules.IngestionDeciders(),
		Priority:        cfg.Rules.PriorityRules(),
	}, sessLog)
	if err != nil {
		store.Close()
		return sess, fmt.Errorf("loading frontier: %w", err)
	}
	defer func() {
		if cerr := front.Close(); cerr != nil {
			sessLog.Errorf("Error closing frontier store: %v", cerr)
		}
	}()

	client := fetch.NewClient(cfg.HTTPClientSettings, sessLog)
	limiter := fetch.NewRateLimiter(cfg.DelayPerHost, sessLog)
	hosts := fetch.NewHostSemaphorePool(cfg.MaxRequestsPerHost, sessLog)
	fetcher := fetch.NewHTTPFetcher(client, limiter, hosts, fetch.Options{
		UserAgent:               cfg.UserAgent,
		MaxPageSizeBytes:        cfg.MaxPageSizeBytes,
		AcceptedContentTypes:    cfg.AcceptedContentTypes,
		SemaphoreAcquireTimeout: cfg.SemaphoreAcquireTimeout,
	}, sessLog)

	if len(cfg.Sitemaps) > 0 {
		// Sitemaps are XML, so the content type restriction does not apply
		xmlFetcher := fetch.NewHTTPFetcher(client, limiter, hosts, fetch.Options{
			UserAgent:               cfg.UserAgent,
			MaxPageSizeBytes:        cfg.MaxPageSizeBytes,
			SemaphoreAcquireTimeout: cfg.SemaphoreAcquireTimeout,
		}, sessLog)
		pages, err := sitemap.NewExpander(xmlFetcher, cfg.MaxSitemaps, sessLog).Expand(ctx, cfg.Sitemaps)
		if err != nil {
			return sess, fmt.Errorf("expanding sitemaps: %w", err)
		}
		accepted, rejected, err := front.AddURLs(ctx, pages, true)
		if err != nil {
			return sess, fmt.Errorf("adding sitemap pages: %w", err)
		}
		sessLog.WithFields(logrus.Fields{"pages": len(pages), "accepted": accepted, "rejected": rejected}).Info("Sitemap pages added to frontier")
	}

	executor := crawler.NewExecutor(fetcher, crawler.NewShellDetector(), sess, crawler.Options{
		MaxRetryCount:     cfg.MaxRetryCount,
		InitialRetryDelay: cfg.InitialRetryDelay,
		MaxRetryDelay:     cfg.MaxRetryDelay,
		MaxLinksPerPage:   cfg.MaxLinksPerPage,
		LinkFilter:        cfg.Rules.LinkDeciders(),
	}, sessLog)

	handlers, err := handler.FromConfig(cfg.Handlers, resume, sessLog)
	if err != nil {
		return sess, err
	}

	sinks := []report.Sink{report.NewLogSink(sessLog)}
	if cfg.Report.Redis.Addr != "" {
		sinks = append(sinks, report.NewRedisSink(cfg.Report.Redis))
	}
	reporter := report.NewReporter(sessLog, sinks...)
	defer func() {
		if cerr := reporter.Close(); cerr != nil {
			sessLog.Warnf("Error closing status sinks: %v", cerr)
		}
	}()

	sched := scheduler.New(sess, scheduler.Deps{
		Frontier:  front,
		Runner:    executor,
		Rules:     pool,
		Handlers:  handlers,
		Watchdogs: watchdog.FromConfig(cfg),
		Validity:  watchdog.NewValidity(cfg.ValidPageRule, sessLog),
		Reporter:  reporter,
	}, scheduler.Options{
		PoolSize:       cfg.ThreadCount,
		TickInterval:   cfg.TickInterval,
		StatusInterval: cfg.StatusInterval,
		TaskTimeout:    cfg.TaskTimeout,
		Seeds:          cfg.Seeds,
		Tags:           cfg.Rules.Tags,
	}, sessLog)

	// Background loops outlive ctx cancellation until the scheduler has drained
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	var g errgroup.Group
	g.Go(func() error {
		defer stopBackground()
		return sched.Run(ctx)
	})
	if gc, ok := store.(storage.GarbageCollector); ok {
		g.Go(func() error {
			gc.RunGC(bgCtx, cfg.Storage.GCInterval)
			return nil
		})
	}
	g.Go(func() error {
		hosts.RunEviction(bgCtx, 5*time.Minute)
		return nil
	})
	return sess, g.Wait()
}

// runValidate handles the validate subcommand
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("validate", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return doValidate(*common.config, stdout, stderr)
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: [%s] %v\n", cfg.JobID, err)
		return 1
	}

	// Compile every expression once so typos surface before a crawl starts
	if err := compileRules(cfg); err != nil {
		fmt.Fprintf(stderr, "ERROR: [%s] %v\n", cfg.JobID, err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: [%s] %d seeds, %d threads, %s storage\n",
		cfg.JobID, len(cfg.Seeds), cfg.ThreadCount, cfg.Storage.Backend)
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// compileRules evaluates every expression-based rule against the first seed.
// Only compile errors fail; evaluation errors depend on page data.
func compileRules(cfg *config.JobConfig) error {
	ev := rules.NewEvaluator(rules.Options{ResourceExtensions: cfg.ResourceExtensions})
	subject, err := rules.NewURLContext(cfg.Seeds[0])
	if err != nil {
		return err
	}

	check := func(what, expression string) error {
		if expression == "" {
			return nil
		}
		if _, err := ev.Evaluate(expression, subject); errors.Is(err, utils.ErrExpressionSyntax) {
			return fmt.Errorf("%s: %w", what, err)
		}
		return nil
	}

	if err := check("valid_page_rule", cfg.ValidPageRule); err != nil {
		return err
	}
	for i, d := range slices.Concat(cfg.Rules.IngestionFilter, cfg.Rules.LinkFilter) {
		if d.Operator == rules.OpExpression {
			if err := check(fmt.Sprintf("decider #%d", i+1), d.Argument); err != nil {
				return err
			}
		}
	}
	for _, p := range cfg.Rules.Priority {
		if err := check("priority rule", p.URLFilter); err != nil {
			return err
		}
	}
	for _, t := range cfg.Rules.Tags {
		if err := check("tag "+t.Tag, t.Rule); err != nil {
			return err
		}
	}
	return nil
}

// runStatus handles the status subcommand
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log := logrus.NewEntry(newLogger(*common.logLevel, *common.logFormat, stderr))
	return doStatus(*common.config, stdout, log)
}

// doStatus prints the persisted frontier counts of the job in configPath
func doStatus(configPath string, stdout io.Writer, log *logrus.Entry) int {
	cfg, err := loadJob(configPath, log)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return 1
	}

	ctx := context.Background()
	front, err := openPersisted(ctx, cfg, log)
	if err != nil {
		log.Errorf("Cannot open frontier state: %v", err)
		return 1
	}
	defer front.Close()

	fmt.Fprintln(stdout, report.Render(report.Snapshot{
		JobID:     cfg.JobID,
		State:     "PERSISTED",
		Timestamp: time.Now().UTC(),
		Frontier:  front.Status(),
	}))
	return 0
}

// runExport handles the export subcommand
func runExport(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("export", stderr)
	out := fs.String("out", "", "Output file (stdout if empty)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log := logrus.NewEntry(newLogger(*common.logLevel, *common.logFormat, stderr))
	return doExport(*common.config, *out, stdout, log)
}

// doExport writes every persisted frontier record to outPath, or to stdout
func doExport(configPath, outPath string, stdout io.Writer, log *logrus.Entry) int {
	cfg, err := loadJob(configPath, log)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		return 1
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Storage, cfg.JobID, true, log)
	if err != nil {
		log.Errorf("Cannot open frontier state: %v", err)
		return 1
	}
	defer store.Close()

	w := stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			log.Errorf("Cannot create %s: %v", outPath, err)
			return 1
		}
		defer f.Close()
		w = f
	}

	n, err := store.WriteFrontierLog(ctx, w)
	if err != nil {
		log.Errorf("Export failed after %d records: %v", n, err)
		return 1
	}
	log.Infof("Exported %d frontier records", n)
	return 0
}

// openPersisted opens the job's existing frontier without modifying it
func openPersisted(ctx context.Context, cfg *config.JobConfig, log *logrus.Entry) (*frontier.Frontier, error) {
	store, err := storage.Open(ctx, cfg.Storage, cfg.JobID, true, log)
	if err != nil {
		return nil, err
	}
	front, err := frontier.New(ctx, store, rules.NewPool(rules.Options{}), frontier.Options{}, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return front, nil
}

// logJobConfig logs the effective job configuration
func logJobConfig(cfg *config.JobConfig, log *logrus.Entry) {
	log.Infof("Job Config: ID:%s, Seeds:%d, Threads:%d, Storage:%s (%s)",
		cfg.JobID, len(cfg.Seeds), cfg.ThreadCount, cfg.Storage.Backend, cfg.Storage.StateDir)
	log.Infof("Job Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v, TaskTimeout:%v",
		cfg.MaxRetryCount, cfg.InitialRetryDelay, cfg.MaxRetryDelay, cfg.TaskTimeout)
	log.Infof("Job Config Politeness: DelayPerHost:%v, MaxReqPerHost:%d, SemaphoreTimeout:%v",
		cfg.DelayPerHost, cfg.MaxRequestsPerHost, cfg.SemaphoreAcquireTimeout)
	log.Infof("Job Config Watchdogs: Timeout:%v, MaxRejected:%d, MaxDuration:%v, ValidPageRule:%q",
		cfg.Timeout, cfg.MaxRejectedPageCount, cfg.MaxDuration, cfg.ValidPageRule)
	log.Infof("Job Config Rules: Ingestion:%d, Links:%d, Tags:%d, Priority:%d",
		len(cfg.Rules.IngestionFilter), len(cfg.Rules.LinkFilter), len(cfg.Rules.Tags), len(cfg.Rules.Priority))
}
