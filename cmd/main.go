package main

import (
	"context"
	"customer-import/internal/api"
	"customer-import/internal/api/handler"
	"customer-import/internal/app"
	"customer-import/internal/batch"
	"customer-import/internal/config"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/progress"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

const (
	exitOK            = 0
	exitFatal         = 1
	exitRecordsFailed = 2
)

const usage = `Usage:
  customer-import import [flags] FILE
  customer-import serve [flags]

Run "customer-import <command> --help" for the flags of a command.
`

// @title Customer Import API
// @version 1.0
// @description Uploads customer spreadsheets and imports them into Square customer groups.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, progress.NewConsoleReporter(os.Stderr)))
}

func run(args []string, out io.Writer, console progress.Reporter) int {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return exitFatal
	}
	switch args[0] {
	case "import":
		return runImport(args[1:], out, console)
	case "serve":
		return runServe(args[1:], out)
	case "-h", "--help", "help":
		fmt.Fprint(out, usage)
		return exitOK
	default:
		fmt.Fprintf(out, "unknown command %q\n\n%s", args[0], usage)
		return exitFatal
	}
}

func commonFlags(name string, out io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	configDir := fs.String("config", ".", "directory containing config.yml")
	fs.String("environment", "", "Square environment: sandbox or production")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-dir", "", "directory for per-run log files")
	fs.String("database-url", "", "Postgres URL for the run journal")
	fs.String("rabbitmq-url", "", "RabbitMQ URL for import events")
	fs.Bool("retry", false, "retry transient Square API failures")
	return fs, configDir
}

func runImport(args []string, out io.Writer, console progress.Reporter) int {
	fs, configDir := commonFlags("import", out)
	group := fs.String("group", "", "put every record in this customer group instead of weekly groups")
	fs.Int("batch-size", 0, fmt.Sprintf("records per progress batch (1-%d)", config.MaxBatchSize))
	fs.String("country-code", "", "country code prepended to phone numbers without one")
	fs.String("failure-dir", "", "write failed rows as CSV into this directory")
	fs.Bool("remote-dedup", true, "skip customers already present in the target Square group")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitFatal
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(out, "expected exactly one input file, got %d\n\n%s", fs.NArg(), usage)
		return exitFatal
	}
	filePath := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	importer, err := app.New(
		app.WithConfigDir(*configDir),
		app.WithFlags(fs),
		app.WithReporter(console),
		app.WithInfrastructure(),
	)
	if err != nil {
		fmt.Fprintf(out, "setup failed: %v\n", err)
		return exitFatal
	}
	defer importer.Close()

	result, err := importer.Import(ctx, filePath, *group)
	printSummary(out, result, err)
	return exitCode(result, err)
}

func exitCode(result *importrun.ImportResult, err error) int {
	switch {
	case result == nil, err != nil:
		return exitFatal
	case result.Failed > 0:
		return exitRecordsFailed
	default:
		return exitOK
	}
}

func printSummary(out io.Writer, result *importrun.ImportResult, err error) {
	if result == nil {
		fmt.Fprintf(out, "import aborted: %v\n", err)
		return
	}
	if err != nil {
		fmt.Fprintf(out, "import stopped early: %v\n", err)
	}
	fmt.Fprintf(out, "run %s: total=%d succeeded=%d failed=%d duplicates=%d no_contact=%d\n",
		result.RunID, result.Total, result.Succeeded, result.Failed, result.DuplicatesSkipped, result.NoContactSkipped)
	for _, name := range result.GroupNames() {
		g := result.Groups[name]
		fmt.Fprintf(out, "  %s (%s): succeeded=%d failed=%d duplicates=%d\n", name, g.GroupID, g.Succeeded, g.Failed, g.Duplicates)
	}
	for _, f := range result.Failures {
		fmt.Fprintf(out, "  line %d [%s] %s: %s\n", f.Line, f.Stage, f.Name, f.Reason)
	}
	if result.FailureReport != "" {
		fmt.Fprintf(out, "failed rows written to %s\n", result.FailureReport)
	}
}

func runServe(args []string, out io.Writer) int {
	fs, configDir := commonFlags("serve", out)
	fs.Int("port", 0, "HTTP listen port")
	fs.String("inbox", "", "directory swept for new import files")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitFatal
	}

	importer, logger, err := initializeApp(*configDir, fs)
	if err != nil {
		fmt.Fprintf(out, "setup failed: %v\n", err)
		return exitFatal
	}
	defer importer.Close()
	cfg := importer.Config()
	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintf(out, "setup failed: %v\n", err)
		return exitFatal
	}

	var runs handler.RunFinder
	if repo := importer.Runs(); repo != nil {
		runs = repo
	}
	router, closeRouter := api.SetupRouter(importer, runs, cfg, logger)
	defer closeRouter()

	cronScheduler := startBatchJobs(cfg, importer, logger)
	srv, serverErrors, shutdownChan := startServer(cfg, router, logger)
	if err := handleShutdown(srv, cronScheduler, shutdownChan, serverErrors, logger); err != nil {
		return exitFatal
	}
	return exitOK
}

func initializeApp(configDir string, fs *pflag.FlagSet) (*app.Importer, *slog.Logger, error) {
	importer, err := app.New(app.WithConfigDir(configDir), app.WithFlags(fs), app.WithInfrastructure())
	if err != nil {
		return nil, nil, err
	}
	logger := importer.Logger()
	logger.Info("Application starting...", "environment", importer.Config().Square.Environment)
	return importer, logger, nil
}

func startServer(cfg *config.Config, router http.Handler, logger *slog.Logger) (*http.Server, <-chan error, <-chan os.Signal) {
	logger.Info("Setting up HTTP server...", "port", cfg.Server.Port)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Server listening on port %d", cfg.Server.Port))
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			serverErrors <- err
		} else {
			logger.Info("Server closed gracefully.")
			serverErrors <- nil
		}
	}()
	return srv, serverErrors, shutdownChan
}

// handleShutdown blocks until a signal or a server failure, then stops the
// scheduler and the server. It returns the server error that ended the
// process early, if any.
func handleShutdown(srv *http.Server, cronScheduler *cron.Cron, shutdownChan <-chan os.Signal, serverErrors <-chan error, logger *slog.Logger) error {
	logger.Info("Shutdown handler started. Waiting for signal or server error...")

	var exitErr error
	select {
	case sig := <-shutdownChan:
		logger.Info("Shutdown signal received.", "signal", sig.String())
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server exited unexpectedly before signal", "error", err)
			exitErr = err
		}
	}

	logger.Info("Stopping cron scheduler...")
	cronCtx := cronScheduler.Stop()
	select {
	case <-cronCtx.Done():
		logger.Info("Cron scheduler stopped gracefully.")
	case <-time.After(15 * time.Second):
		logger.Warn("Cron scheduler shutdown timed out.")
	}

	if exitErr != nil {
		return exitErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	logger.Info("Shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", "error", err)
		if err := srv.Close(); err != nil {
			logger.Error("HTTP server forced close failed", "error", err)
		}
	} else {
		logger.Info("HTTP server gracefully stopped.")
	}

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Server goroutine exited with unexpected error after shutdown", "error", err)
		}
	case <-time.After(5 * time.Second):
		logger.Warn("Timed out waiting for server goroutine confirmation.")
	}

	logger.Info("Application shutdown process complete.")
	return nil
}

// startBatchJobs schedules the inbox sweep when an inbox directory is
// configured. The returned scheduler is always started.
func startBatchJobs(cfg *config.Config, importer batch.Importer, logger *slog.Logger) *cron.Cron {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if cfg.Inbox.Dir == "" {
		logger.Info("No inbox directory configured, file sweep disabled.")
		c.Start()
		return c
	}

	scheduleSpec := cfg.Inbox.Schedule
	if scheduleSpec == "" {
		scheduleSpec = "*/5 * * * *"
		logger.Warn("Inbox schedule not configured, using default", "schedule", scheduleSpec)
	}

	inboxJob := batch.NewInboxJob(cfg.Inbox.Dir, importer, cfg.Inbox.Timeout, logger)
	jobID, err := c.AddJob(scheduleSpec, inboxJob)
	if err != nil {
		logger.Error("Failed to schedule inbox sweep", "schedule", scheduleSpec, slog.Any("error", err))
	} else {
		logger.Info("Scheduled inbox sweep", "schedule", scheduleSpec, "dir", cfg.Inbox.Dir, "job_id", jobID)
	}

	c.Start()
	logger.Info("Cron scheduler started.")
	return c
}
