// Package main implements a Cloud Run service that scans a countdown planner's
// data store for due reminders and delivers them as push notifications.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"

	"countdown-reminders/claim"
	"countdown-reminders/push"
	"countdown-reminders/scan"
	"countdown-reminders/server"
	"countdown-reminders/store"
)

const (
	defaultTimezone  = "Asia/Jerusalem"
	defaultLookahead = 7 * 24 * time.Hour
)

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Check for local development mode
	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")
	appURL := os.Getenv("APP_URL")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *storage.Client
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if appURL == "" {
			appURL = "http://localhost:8080"
		}
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		if appURL == "" {
			logger.Error("APP_URL environment variable required (e.g., https://your-app.example.com)")
			os.Exit(1)
		}
		var err error
		storageClient, err = initStorageClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	st := store.New(storageClient, bucket, localStorage, logger)
	claims := claim.New(st, logger)

	tokens, subs := initChannels(localStorage != "", logger)
	notifier := push.New(tokens, subs, claims, st, logger)

	loc, err := time.LoadLocation(envOr("PLANNER_TIMEZONE", defaultTimezone))
	if err != nil {
		logger.Error("Invalid PLANNER_TIMEZONE", "error", err)
		os.Exit(1)
	}

	scanner := scan.New(&scan.Config{
		Store:     st,
		Notifier:  notifier,
		Logger:    logger,
		AppURL:    appURL,
		Location:  loc,
		LateCap:   envDuration("LATE_CAP", 0, logger),
		Lookahead: lookahead(logger),
	})

	apiKey := os.Getenv("CRON_API_KEY")
	if apiKey == "" {
		logger.Warn("CRON_API_KEY not set, trigger endpoint is unauthenticated")
	}
	srv := server.New(&server.Config{
		Scanner: scanner,
		Logger:  logger,
		APIKey:  apiKey,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// initChannels builds the delivery transports from credentials in the
// environment. In local mode missing credentials fall back to mocks so the
// full scan path stays exercisable without real devices.
func initChannels(local bool, logger *slog.Logger) (push.TokenChannel, push.SubscriptionChannel) {
	var tokens push.TokenChannel
	var subs push.SubscriptionChannel

	fcmKey := os.Getenv("FCM_SERVER_KEY")
	switch {
	case fcmKey != "":
		tokens = push.NewFCMClient(fcmKey, logger)
	case local:
		logger.Info("Mock FCM mode enabled (no FCM_SERVER_KEY)")
		tokens = push.NewMockTokenChannel(logger)
	default:
		logger.Error("FCM_SERVER_KEY environment variable required")
		os.Exit(1)
	}

	vapidSubject := os.Getenv("VAPID_SUBJECT")
	vapidPublic := os.Getenv("VAPID_PUBLIC_KEY")
	vapidPrivate := os.Getenv("VAPID_PRIVATE_KEY")
	switch {
	case vapidPublic != "" && vapidPrivate != "":
		if vapidSubject == "" {
			vapidSubject = "mailto:admin@localhost"
		}
		subs = push.NewWebPushClient(vapidSubject, vapidPublic, vapidPrivate, logger)
	case local:
		logger.Info("Mock web push mode enabled (no VAPID keys)")
		subs = push.NewMockSubscriptionChannel(logger)
	default:
		logger.Error("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY environment variables required")
		os.Exit(1)
	}

	return tokens, subs
}

func initStorageClient(ctx context.Context) (*storage.Client, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Cloud Run uses Application Default Credentials from the service account
	return storage.NewClient(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration, logger *slog.Logger) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("Ignoring unparseable duration", "key", key, "value", v, "error", err)
		return fallback
	}
	return d
}

func lookahead(logger *slog.Logger) time.Duration {
	v := os.Getenv("LOOKAHEAD_DAYS")
	if v == "" {
		return defaultLookahead
	}
	days, err := strconv.Atoi(v)
	if err != nil || days <= 0 {
		logger.Warn("Ignoring invalid LOOKAHEAD_DAYS", "value", v)
		return defaultLookahead
	}
	return time.Duration(days) * 24 * time.Hour
}
