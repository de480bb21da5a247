package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mailrunhq/mailrun/internal/api"
	"github.com/mailrunhq/mailrun/internal/content"
	"github.com/mailrunhq/mailrun/internal/dispatch"
	"github.com/mailrunhq/mailrun/internal/models"
	"github.com/mailrunhq/mailrun/internal/provider"
	"github.com/mailrunhq/mailrun/internal/quota"
	"github.com/mailrunhq/mailrun/internal/reconcile"
	"github.com/mailrunhq/mailrun/internal/scheduler"
	"github.com/mailrunhq/mailrun/internal/store"
	"github.com/mailrunhq/mailrun/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for mailrun state data
	DefaultStateDir = "/var/lib/mailrun"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mailrun.db"
	// DefaultDispatchCron triggers the dispatcher every minute
	DefaultDispatchCron = "* * * * *"
	// DefaultReconcileCron triggers the reply reconciler every five minutes
	DefaultReconcileCron = "*/5 * * * *"
	// StaleClaimAge is how old a claim must be before startup requeues it
	StaleClaimAge = 15 * time.Minute
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("mailrun failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("mailrun exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	GoogleClientID  string
	GoogleSecret    string
	MicrosoftID     string
	MicrosoftSecret string
	CronSecret      string
	APIAddr         string
	Env             string
	DispatchCron    string
	ReconcileCron   string
	BatchSize       int
	RunTimeout      time.Duration
	SendTimeout     time.Duration
	SelfSchedule    bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	dispatchCron  *string
	reconcileCron *string
	batchSize     *int

	config Config
}

// initializeLogger sets up structured logging with the level taken from
// $LOG_LEVEL (debug, info, warn, error; default info).
func initializeLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("MAILRUN_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		GoogleClientID:  os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		MicrosoftID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		MicrosoftSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		CronSecret:      os.Getenv("CRON_SECRET"),
		APIAddr:         os.Getenv("API_ADDR"),
		Env:             os.Getenv("MAILRUN_ENV"),
		DispatchCron:    os.Getenv("DISPATCH_CRON"),
		ReconcileCron:   os.Getenv("RECONCILE_CRON"),
		BatchSize:       util.ParseIntEnv("DISPATCH_BATCH_SIZE", dispatch.DefaultBatchSize),
		RunTimeout:      util.ParseDurationEnv("DISPATCH_RUN_TIMEOUT", dispatch.DefaultRunTimeout),
		SendTimeout:     util.ParseDurationEnv("DISPATCH_SEND_TIMEOUT", dispatch.DefaultSendTimeout),
		SelfSchedule:    util.ParseBoolEnv("MAILRUN_SELF_SCHEDULE", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MAILRUN_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DispatchCron == "" {
		config.DispatchCron = DefaultDispatchCron
	}
	if config.ReconcileCron == "" {
		config.ReconcileCron = DefaultReconcileCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MAILRUN_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GOOGLE_CLIENT_ID_SET", config.GoogleClientID != "",
		"MICROSOFT_CLIENT_ID_SET", config.MicrosoftID != "",
		"CRON_SECRET_SET", config.CronSecret != "",
		"API_ADDR", config.APIAddr,
		"MAILRUN_ENV", config.Env,
		"DISPATCH_CRON", config.DispatchCron,
		"RECONCILE_CRON", config.ReconcileCron,
		"DISPATCH_BATCH_SIZE", config.BatchSize,
		"DISPATCH_RUN_TIMEOUT", config.RunTimeout,
		"DISPATCH_SEND_TIMEOUT", config.SendTimeout,
		"MAILRUN_SELF_SCHEDULE", config.SelfSchedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	dbDSN := config.DatabaseURL
	if dbDSN == "" {
		dbDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dbDSN)
	}

	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for mailrun data (overrides $MAILRUN_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", dbDSN, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		dispatchCron:  flag.String("dispatch-cron", config.DispatchCron, "cron expression for the dispatcher (overrides $DISPATCH_CRON)"),
		reconcileCron: flag.String("reconcile-cron", config.ReconcileCron, "cron expression for the reply reconciler (overrides $RECONCILE_CRON)"),
		batchSize:     flag.Int("batch-size", config.BatchSize, "maximum enrollments per dispatcher run (overrides $DISPATCH_BATCH_SIZE)"),
		config:        config,
	}

	flag.Parse()

	// Follow a moved state directory when the DSN was derived from it.
	if *flags.dbDSN == dbDSN && config.DatabaseURL == "" && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"dispatchCron", *flags.dispatchCron,
		"reconcileCron", *flags.reconcileCron,
		"batchSize", *flags.batchSize)

	return flags
}

// openStore selects the backend from the DSN shape.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildProviders constructs the provider registry from the configured OAuth
// app credentials. Providers without credentials are left out; sends for
// their integrations are skipped with a logged reason.
func buildProviders(config Config) provider.Registry {
	providers := provider.Registry{}

	if gmailClient, err := provider.NewGmailClient(config.GoogleClientID, config.GoogleSecret); err != nil {
		slog.Warn("Gmail provider disabled", "reason", err)
	} else {
		providers[models.ProviderGmail] = gmailClient
	}

	if outlookClient, err := provider.NewOutlookClient(config.MicrosoftID, config.MicrosoftSecret); err != nil {
		slog.Warn("Outlook provider disabled", "reason", err)
	} else {
		providers[models.ProviderOutlook] = outlookClient
	}

	return providers
}

func run(flags Flags) error {
	config := flags.config

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	// Claims older than the stale cutoff belong to a crashed run.
	requeued, err := st.RequeueStaleClaims(time.Now().UTC().Add(-StaleClaimAge))
	if err != nil {
		slog.Error("Failed to requeue stale claims", "error", err)
	} else if requeued > 0 {
		slog.Info("Requeued stale enrollment claims", "count", requeued)
	}

	generator, err := content.NewGenerator(content.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return err
	}

	providers := buildProviders(config)
	selector := provider.DefaultSelector{}
	evaluator := quota.NewEvaluator(st, st)

	dispatcher := dispatch.NewDispatcher(st, evaluator, generator, providers, selector,
		dispatch.WithBatchSize(*flags.batchSize),
		dispatch.WithRunTimeout(config.RunTimeout),
		dispatch.WithSendTimeout(config.SendTimeout))
	reconciler := reconcile.NewReconciler(st, providers)

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Deployments driven purely by external cron callers can turn the
	// built-in ticker off and rely on the /cron endpoints instead.
	if config.SelfSchedule {
		if err := sched.AddJob(*flags.dispatchCron, func() {
			if _, err := dispatcher.Run(ctx); err != nil {
				slog.Error("Scheduled dispatch run failed", "error", err)
			}
		}); err != nil {
			return err
		}
		if err := sched.AddJob(*flags.reconcileCron, func() {
			if _, err := reconciler.Run(ctx); err != nil {
				slog.Error("Scheduled reconcile run failed", "error", err)
			}
		}); err != nil {
			return err
		}
		slog.Info("Scheduled background jobs", "dispatch", *flags.dispatchCron, "reconcile", *flags.reconcileCron)
	} else {
		slog.Info("Self-scheduling disabled, relying on external cron callers")
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.CronSecret != "" {
		apiOpts = append(apiOpts, api.WithCronSecret(config.CronSecret))
	}
	if config.Env != "" {
		apiOpts = append(apiOpts, api.WithEnv(config.Env))
	}

	server := api.NewServer(st, dispatcher, reconciler, generator, evaluator, providers, selector, apiOpts...)
	return server.Run(ctx)
}
