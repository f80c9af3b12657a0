package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/config"
	"github.com/proctorlink/proctorlink/internal/logging"
	"github.com/proctorlink/proctorlink/internal/peer"
	"github.com/proctorlink/proctorlink/internal/session"
	"github.com/proctorlink/proctorlink/internal/signaling"
	"github.com/proctorlink/proctorlink/internal/store"
)

// Application holds all components of the admin dashboard client.
type Application struct {
	config  *config.Config
	session *session.AdminSession
	exams   *store.PostgresStore
	logger  *zap.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var withLogs bool
	flag.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "relay websocket URL")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.BoolVar(&withLogs, "with-logs", true, "enable the per-student activity log viewer")
	flag.Parse()

	logger, flush, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer flush()

	app, err := NewApplication(cfg, withLogs, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(); err != nil {
		logger.Fatal("Error during dashboard session", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, withLogs bool, logger *zap.Logger) (*Application, error) {
	var exams *store.PostgresStore
	var events store.EventLog
	if withLogs {
		var err error
		exams, err = store.NewPostgresStore(store.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Username: cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open exam store: %w", err)
		}
		events = exams
	}

	sess := session.NewAdminSession(session.AdminConfig{
		Server: signaling.ServerConfig{URL: cfg.SignalingURL, STUNServers: cfg.STUNServers},
	}, peer.NewNetwork(logger), events, logger)

	return &Application{
		config:  cfg,
		session: sess,
		exams:   exams,
		logger:  logger,
	}, nil
}

func (app *Application) Run() error {
	app.session.OnRoster(func(roster []session.RosterEntry) {
		printRoster(roster)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.session.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigCh:
			app.logger.Info("shutting down", zap.String("signal", sig.String()))
			return nil
		case <-ticker.C:
			if err := app.session.FatalErr(); err != nil {
				return err
			}
			printRoster(app.session.Roster())
		}
	}
}

func (app *Application) Cleanup() {
	app.session.Teardown()
	if app.exams != nil {
		if err := app.exams.Close(); err != nil {
			app.logger.Warn("closing exam store", zap.Error(err))
		}
	}
}

func printRoster(roster []session.RosterEntry) {
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	fmt.Printf("--- %d student(s) ---\n", len(roster))
	for _, entry := range roster {
		stream := "no stream"
		if entry.HasMedia {
			stream = "streaming"
		}
		fmt.Printf("  %-40s %-20s exam=%-12s %s (%s)\n",
			entry.ID, entry.Name, entry.ExamID, entry.Status, stream)
	}
}
