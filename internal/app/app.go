// Package app wires configuration, the Square client and the import job into
// a ready-to-use Importer.
package app

import (
	"context"
	"customer-import/internal/batch"
	"customer-import/internal/config"
	"customer-import/internal/domain/customer"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/event"
	"customer-import/internal/infrastructure/database/postgres"
	"customer-import/internal/infrastructure/logging"
	"customer-import/internal/infrastructure/monitoring"
	"customer-import/internal/infrastructure/square"
	"customer-import/internal/pkg/apperrors"
	"customer-import/internal/progress"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/pflag"
)

type settings struct {
	configDir  string
	flags      *pflag.FlagSet
	cfg        *config.Config
	logger     *slog.Logger
	directory  customer.Directory
	reporters  []progress.Reporter
	journal    importrun.Journal
	publisher  event.EventPublisher
	connectOut bool
}

type Option func(*settings)

// WithConfigDir sets the directory searched for config.yml. Default ".".
func WithConfigDir(dir string) Option {
	return func(s *settings) { s.configDir = dir }
}

// WithFlags applies explicitly set command line flags on top of the config.
func WithFlags(fs *pflag.FlagSet) Option {
	return func(s *settings) { s.flags = fs }
}

// WithConfig skips loading and uses cfg as is. It is still validated.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDirectory replaces the Square client.
func WithDirectory(d customer.Directory) Option {
	return func(s *settings) { s.directory = d }
}

func WithReporter(r progress.Reporter) Option {
	return func(s *settings) { s.reporters = append(s.reporters, r) }
}

func WithJournal(j importrun.Journal) Option {
	return func(s *settings) { s.journal = j }
}

func WithPublisher(p event.EventPublisher) Option {
	return func(s *settings) { s.publisher = p }
}

// WithInfrastructure connects to Postgres and RabbitMQ when their URLs are
// configured and no journal or publisher was given.
func WithInfrastructure() Option {
	return func(s *settings) { s.connectOut = true }
}

// Importer is the programmatic entry point of the customer import.
type Importer struct {
	cfg     *config.Config
	job     *batch.ImportJob
	runs    *postgres.RunRepository
	logger  *slog.Logger
	closers []func()
}

var _ batch.Importer = (*Importer)(nil)

// New resolves configuration from the environment, validates it and builds
// the pipeline. Errors wrap apperrors.ErrSetup.
func New(opts ...Option) (*Importer, error) {
	s := &settings{configDir: "."}
	for _, opt := range opts {
		opt(s)
	}

	cfg := s.cfg
	if cfg == nil {
		loaded, err := config.LoadConfig(s.configDir, s.flags)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	imp := &Importer{cfg: cfg}
	if err := imp.setupLogger(s); err != nil {
		return nil, err
	}

	metrics := monitoring.NewImportMetrics()
	directory := s.directory
	if directory == nil {
		client, err := square.NewClient(cfg.Square, imp.logger, square.WithObserver(metrics))
		if err != nil {
			imp.Close()
			return nil, err
		}
		imp.logger.Info("Square client ready", slog.String("environment", cfg.Square.Environment), slog.String("baseURL", client.BaseURL()))
		directory = client
	}

	if s.connectOut {
		if err := imp.connect(s); err != nil {
			imp.Close()
			return nil, err
		}
	}

	reporters := append([]progress.Reporter{progress.NewLogReporter(imp.logger)}, s.reporters...)
	jobOpts := []batch.Option{
		batch.WithMetrics(metrics),
		batch.WithReporter(progress.Multi(reporters)),
	}
	if s.journal != nil {
		jobOpts = append(jobOpts, batch.WithJournal(s.journal))
	}
	if s.publisher != nil {
		jobOpts = append(jobOpts, batch.WithPublisher(s.publisher))
	}
	if dir := cfg.Import.FailureReportDir; dir != "" {
		jobOpts = append(jobOpts, batch.WithFailureReport(batch.NewFailureReport(dir, cfg.Import.TimestampColumn)))
	}
	imp.job = batch.NewImportJob(cfg.Import, directory, imp.logger, jobOpts...)
	return imp, nil
}

func (imp *Importer) setupLogger(s *settings) error {
	if s.logger != nil {
		imp.logger = s.logger
		return nil
	}
	var extra []io.Writer
	if dir := imp.cfg.Logger.Dir; dir != "" {
		f, err := logging.OpenRunLog(dir, time.Now())
		if err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrSetup, err)
		}
		extra = append(extra, f)
		imp.closers = append(imp.closers, func() { _ = f.Close() })
	}
	imp.logger = logging.NewLogger(imp.cfg.Logger, extra...)
	return nil
}

func (imp *Importer) connect(s *settings) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.journal == nil && imp.cfg.Database.URL != "" {
		repo, closePool, err := postgres.OpenJournal(ctx, imp.cfg.Database, imp.logger)
		if err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrSetup, err)
		}
		imp.closers = append(imp.closers, closePool)
		imp.runs = repo
		s.journal = repo
	}

	if s.publisher == nil && imp.cfg.RabbitMQ.URL != "" {
		conn, err := amqp.Dial(imp.cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("%w: connecting to RabbitMQ: %w", apperrors.ErrSetup, err)
		}
		imp.closers = append(imp.closers, func() { _ = conn.Close() })
		publisher, err := event.NewRabbitMQEventPublisher(conn, imp.cfg.RabbitMQ.ExchangeName, imp.logger)
		if err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrSetup, err)
		}
		s.publisher = publisher
	}
	return nil
}

// Import runs the whole pipeline for filePath. See batch.ImportJob.Run for
// the result and error contract.
func (imp *Importer) Import(ctx context.Context, filePath, groupName string) (*importrun.ImportResult, error) {
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewFileFormatError(filePath, errors.New("file does not exist"))
		}
		return nil, apperrors.NewFileFormatError(filePath, err)
	}
	return imp.job.Run(ctx, filePath, groupName)
}

// Run is Import under the name the inbox and HTTP layers expect.
func (imp *Importer) Run(ctx context.Context, filePath, groupName string) (*importrun.ImportResult, error) {
	return imp.Import(ctx, filePath, groupName)
}

func (imp *Importer) Config() *config.Config {
	return imp.cfg
}

func (imp *Importer) Logger() *slog.Logger {
	return imp.logger
}

// Runs returns the run history store, or nil when Postgres is not configured.
func (imp *Importer) Runs() *postgres.RunRepository {
	return imp.runs
}

// Close releases connections and the run log file in reverse order of
// acquisition.
func (imp *Importer) Close() {
	for i := len(imp.closers) - 1; i >= 0; i-- {
		imp.closers[i]()
	}
	imp.closers = nil
}
