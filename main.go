// Package main implements a Cloud Run service that mails each subscriber the
// regulatory bulletin items matching their tags, plus an operator report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // Europe/Madrid in minimal containers

	"boletin-digest/config"
	"boletin-digest/docstore"
	"boletin-digest/email"
	"boletin-digest/pipeline"
	"boletin-digest/server"
	"boletin-digest/storage"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	once := flag.Bool("once", false, "run a single digest invocation and exit")
	flag.Parse()

	ctx := context.Background()

	// Bootstrap logger until the configured level is known
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load(logger)

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, once bool, logger *slog.Logger) error {
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := docstore.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close document store", "error", err)
		}
	}()

	archive, err := openArchive(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	provider, err := newProvider(ctx, cfg.Mail, logger)
	if err != nil {
		return err
	}
	sender := email.New(provider, logger, cfg.Mail.AppURL)

	driver := pipeline.New(store, sender, archive, cfg, logger)

	if once {
		summary, err := driver.Run(ctx)
		if err != nil {
			return fmt.Errorf("digest run: %w", err)
		}
		logger.Info("Single run finished",
			"run_id", summary.RunID,
			"delivered", summary.Delivered,
			"failures", len(summary.Failures))
		return nil
	}

	srv := server.New(&server.Config{
		Runner:  driver,
		Store:   store,
		Archive: archive,
		Logger:  logger,
	})
	if err := srv.ListenAndServe(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func openArchive(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storage.Store, error) {
	localPath := cfg.LocalPath

	// Default to local development mode if no bucket specified
	if cfg.Bucket == "" && localPath == "" {
		localPath = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localPath)
	}

	if localPath != "" {
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", localPath, logger), nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.Bucket)
	return storage.New(client, cfg.Bucket, "", logger), nil
}

func newProvider(ctx context.Context, cfg config.MailConfig, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Provider {
	case config.ProviderBrevo:
		logger.Info("Using Brevo email provider", "from", cfg.From)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.From, cfg.FromName, logger), nil
	case config.ProviderGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, logger), nil
	case config.ProviderMock:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Cloud Run uses the service account through Application Default Credentials
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
