package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"onlib/internal/config"
	"onlib/internal/dispatch"
	"onlib/internal/notify"
	"onlib/internal/report"
	"onlib/internal/server"
	"onlib/internal/storage"
	"onlib/internal/storage/ch"
	"onlib/internal/storage/stubs"
)

// App represents the application
type App struct {
	config   *config.Config
	logger   *zap.Logger
	db       storage.Storage
	server   *server.Server
	notifier *notify.Notifier
}

// New creates and initializes a new application instance
func New(logger *zap.Logger) (*App, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	// Load configuration from environment variables
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	app := &App{config: cfg, logger: logger}

	logger.Info("Starting OnLib server...")

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	app.initServer()
	if err := app.initNotifier(); err != nil {
		return nil, err
	}

	return app, nil
}

// initDatabase initializes the database connection
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using mock database")
		db = stubs.NewMockDB()
	} else {
		a.logger.Info("Connecting to ClickHouse",
			zap.String("host", a.config.ClickHouseHost),
			zap.Int("port", a.config.ClickHousePort),
			zap.String("database", a.config.ClickHouseDatabase),
			zap.String("user", a.config.ClickHouseUser),
			zap.Bool("tls", a.config.ClickHouseUseTLS),
		)
		clickhouseDB, err := ch.NewClickHouseDB(
			a.config.ClickHouseHost,
			a.config.ClickHousePort,
			a.config.ClickHouseDatabase,
			a.config.ClickHouseUser,
			a.config.ClickHousePassword,
			a.config.ClickHouseUseTLS,
		)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		db = clickhouseDB
	}

	// Initialize database schema and default data
	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initServer wires the dispatcher over the store and report runner
func (a *App) initServer() {
	var reports report.Runner
	switch db := a.db.(type) {
	case *ch.ClickHouseDB:
		reports = report.NewEngine(db.ReportQuerier(), a.logger)
	case *stubs.MockDB:
		reports = db
	}

	dispatcher := dispatch.New(a.db, reports, a.logger)
	a.server = server.New(a.config.ListenAddr, dispatcher, a.logger)
}

// initNotifier initializes the optional overdue notifier
func (a *App) initNotifier() error {
	if a.config.TelegramToken == "" {
		a.logger.Info("Overdue notifier disabled (no TELEGRAM_BOT_TOKEN)")
		return nil
	}

	notifier, err := notify.New(
		a.config.TelegramToken,
		a.db,
		a.config.NotifyChatIDs,
		a.config.NotifyInterval,
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	a.notifier = notifier
	return nil
}

// Run starts the application and blocks until shutdown
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		a.logger.Info("Shutting down...")
		cancel()
	}()

	if a.notifier != nil {
		go a.notifier.Run(ctx)
	}

	if err := a.server.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return a.Shutdown()
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	a.server.Shutdown()

	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
		return err
	}

	a.logger.Info("Shutdown complete")
	return nil
}
