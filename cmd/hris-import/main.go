// Command hris-import creates employee records in an HR system from a JSON
// export, pacing requests so the HR API's rate limits are respected.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/hris-importer/internal/config"
	"github.com/Sternrassler/hris-importer/pkg/hrclient"
	"github.com/Sternrassler/hris-importer/pkg/loader"
	"github.com/Sternrassler/hris-importer/pkg/logging"
	"github.com/Sternrassler/hris-importer/pkg/queue"
	"github.com/Sternrassler/hris-importer/pkg/upload"
)

type options struct {
	configPath string
	inputPath  string
	reportPath string
	mode       string
	verify     bool
	tui        bool
	serve      bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("hris-import", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to the YAML config file (optional)")
	fs.StringVar(&opts.inputPath, "input", "", "JSON array of employee records to create (required)")
	fs.StringVar(&opts.reportPath, "report", "", "write the JSON upload report to this file")
	fs.StringVar(&opts.mode, "mode", "", "upload mode: atomic or best-effort (overrides config)")
	fs.BoolVar(&opts.verify, "verify", false, "read created employees back after the upload")
	fs.BoolVar(&opts.tui, "tui", false, "show a live status view")
	fs.BoolVar(&opts.serve, "serve", false, "keep the status server running after the upload")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.inputPath == "" {
		return opts, errors.New("-input is required")
	}
	return opts, nil
}

func run(args []string, stdout io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	mode := cfg.UploadMode()
	if opts.mode != "" {
		if mode, err = upload.ParseMode(opts.mode); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
	}

	logCfg := cfg.LoggingConfig()
	if opts.tui {
		// The status view owns the terminal.
		f, err := os.OpenFile("hris-import.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logCfg.Output = f
		logCfg.Pretty = false
	}
	logger := logging.Setup(logCfg).With().Str("component", "hris-import").Logger()

	employees, err := readEmployees(opts.inputPath)
	if err != nil {
		logger.Error().Err(err).Str("input", opts.inputPath).Msg("Failed to read input")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientCfg := cfg.ClientConfig()
	clientCfg.Logger = &logger
	if rdb := connectRedis(ctx, cfg.Redis, logger); rdb != nil {
		defer rdb.Close()
		clientCfg.Redis = rdb
	}
	hr, err := hrclient.New(clientCfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create HR client")
		return 1
	}
	defer hr.Close()

	queueCfg := cfg.QueueConfig()
	queueCfg.Logger = &logger
	q := queue.New(queueCfg)
	defer q.Close()

	uploadCfg := cfg.OrchestratorConfig()
	uploadCfg.Logger = &logger
	orchestrator := upload.New[hrclient.Employee](q, uploadCfg)

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           newMux(q, orchestrator),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("Status server stopped")
		}
	}()
	defer shutdown(srv, logger)

	logger.Info().
		Int("records", len(employees)).
		Str("mode", string(mode)).
		Str("status_addr", srv.Addr).
		Msg("Starting import")

	report, err := runUpload(ctx, opts.tui, mode, orchestrator, q, employees, hr.CreateEmployee)
	if err != nil && report == nil {
		logger.Error().Err(err).Msg("Upload failed to start")
		return 1
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Upload interrupted")
	}

	printSummary(stdout, report)
	if opts.reportPath != "" {
		if err := writeReport(opts.reportPath, report); err != nil {
			logger.Error().Err(err).Str("path", opts.reportPath).Msg("Failed to write report")
		}
	}

	if opts.verify && ctx.Err() == nil {
		verifyCreated(ctx, q, hr, cfg.BatchLoaderConfig(), report, logger)
	}

	if opts.serve && ctx.Err() == nil {
		logger.Info().Str("addr", srv.Addr).Msg("Upload done, serving status until interrupted")
		<-ctx.Done()
	}

	return exitCode(report, err)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// connectRedis returns a client for the response cache, or nil when caching
// is disabled or Redis is unreachable.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unavailable, continuing without response cache")
		rdb.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	return rdb
}

func readEmployees(path string) ([]hrclient.Employee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var employees []hrclient.Employee
	if err := json.Unmarshal(data, &employees); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return employees, nil
}

func runUpload(
	ctx context.Context,
	withTUI bool,
	mode upload.Mode,
	o *upload.Orchestrator[hrclient.Employee],
	q *queue.Queue,
	employees []hrclient.Employee,
	create upload.CreateFunc[hrclient.Employee],
) (*upload.Report[hrclient.Employee], error) {
	uploadFn := o.UploadBestEffort
	if mode == upload.ModeAtomic {
		uploadFn = o.UploadAtomic
	}

	if !withTUI {
		return uploadFn(ctx, employees, create, nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan upload.Progress, 16)
	type result struct {
		report *upload.Report[hrclient.Employee]
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := uploadFn(ctx, employees, create, upload.ProgressStream(updates))
		close(updates)
		done <- result{report, err}
	}()

	p := tea.NewProgram(newStatusModel(mode, updates, q.Stats, cancel), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error running status view: %v\n", err)
	}

	// The view may quit before the final snapshot is read.
	go func() {
		for range updates {
		}
	}()

	r := <-done
	return r.report, r.err
}

func verifyCreated(
	ctx context.Context,
	q *queue.Queue,
	hr *hrclient.Client,
	cfg loader.Config,
	report *upload.Report[hrclient.Employee],
	logger zerolog.Logger,
) {
	var ids []string
	for _, out := range report.Outcomes {
		if out.Success {
			ids = append(ids, out.AssignedID)
		}
	}
	if len(ids) == 0 {
		return
	}

	cfg.Logger = &logger
	l := loader.New[*hrclient.Employee](q, cfg)
	results := l.LoadInBatches(ctx, ids, hr.GetEmployee, func(done, total int, latest *loader.Result[*hrclient.Employee]) {
		if latest == nil {
			logger.Debug().Int("verified", done).Int("total", total).Msg("Verification progress")
		}
	})

	missing := 0
	for _, r := range results {
		if !r.OK() {
			missing++
			logger.Warn().Err(r.Err).Str("id", r.ID).Msg("Created employee could not be read back")
		}
	}
	logger.Info().Int("verified", len(ids)-missing).Int("missing", missing).Msg("Verification complete")
}

func printSummary(w io.Writer, report *upload.Report[hrclient.Employee]) {
	p := report.Progress
	fmt.Fprintf(w, "Upload %s (%s): %d created, %d failed, %d of %d records attempted in %s\n",
		report.State, report.Mode, p.Completed, p.Failed, p.Done(), p.Total, report.Duration.Truncate(time.Millisecond))

	for _, out := range report.Failures() {
		fmt.Fprintf(w, "  row %d (%s): %s\n", out.RowIndex, out.Record.Email, out.Error)
	}
	if report.State == upload.StateHalted && p.Done() < p.Total {
		fmt.Fprintf(w, "  %d records were not attempted; %d already created records were kept\n",
			p.Total-p.Done(), p.Completed)
	}
}

func writeReport(path string, report *upload.Report[hrclient.Employee]) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func exitCode(report *upload.Report[hrclient.Employee], err error) int {
	if err != nil || report.State != upload.StateCompleted || report.Progress.Failed > 0 {
		return 1
	}
	return 0
}

func shutdown(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Status server shutdown failed")
	}
}
