package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/guardline/alertsync/internal/alertsync"
)

func main() {
	baseURL := strings.TrimSpace(os.Getenv("ALERTSYNC_API_URL"))
	if baseURL == "" {
		log.Fatalf("ALERTSYNC_API_URL is required")
	}

	credentialsPath := strings.TrimSpace(os.Getenv("ALERTSYNC_CREDENTIALS_FILE"))
	if credentialsPath == "" {
		credentialsPath = filepath.Join(dataDirFromEnv(), "credentials.json")
	}
	credentials, err := alertsync.NewFileCredentials(credentialsPath, log.Default())
	if err != nil {
		log.Fatalf("failed to load credentials from %s: %v", credentialsPath, err)
	}

	queueDSN, err := queueDSNFromEnv()
	if err != nil {
		log.Fatalf("failed to resolve submission queue: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := credentials.Watch(ctx); err != nil {
			log.Printf("credential watch stopped: %v", err)
		}
	}()

	probeURL := strings.TrimSpace(os.Getenv("ALERTSYNC_PROBE_URL"))
	if probeURL == "" {
		probeURL = baseURL + "/health"
	}

	session, err := alertsync.NewSession(alertsync.SessionOptions{
		BaseURL:          baseURL,
		ChannelURL:       strings.TrimSpace(os.Getenv("ALERTSYNC_CHANNEL_URL")),
		QueueDSN:         queueDSN,
		Credentials:      credentials,
		Probe:            alertsync.HTTPProbe(nil, probeURL),
		ProbeInterval:    durationEnv("ALERTSYNC_PROBE_INTERVAL", 0),
		Debounce:         durationEnv("ALERTSYNC_DEBOUNCE", 0),
		RequestTimeout:   durationEnv("ALERTSYNC_REQUEST_TIMEOUT", 0),
		NearbyInterval:   durationEnv("ALERTSYNC_NEARBY_INTERVAL", 0),
		ThreadInterval:   durationEnv("ALERTSYNC_THREAD_INTERVAL", 0),
		LocationInterval: durationEnv("ALERTSYNC_LOCATION_INTERVAL", 0),
		ReconnectBase:    durationEnv("ALERTSYNC_RECONNECT_BASE", 0),
		ReconnectMax:     durationEnv("ALERTSYNC_RECONNECT_MAX", 0),
		LocationFeed:     locationFeedFromEnv(),
		Logger:           log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize session: %v", err)
	}
	if err := session.Start(); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}

	log.Printf("alertsync running against %s (queue depth %d)", baseURL, session.QueueDepth())
	for {
		select {
		case <-ctx.Done():
			if err := session.Close(); err != nil {
				log.Printf("shutdown: %v", err)
			}
			return
		case <-session.AuthExpired():
			log.Printf("stored credential rejected, log in again to resume syncing")
		}
	}
}

func dataDirFromEnv() string {
	dataDir := strings.TrimSpace(os.Getenv("ALERTSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".alertsync"
	}
	return dataDir
}

func queueDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("ALERTSYNC_QUEUE_DSN")); dsn != "" {
		return dsn, nil
	}
	if file := strings.TrimSpace(os.Getenv("ALERTSYNC_QUEUE_FILE")); file != "" {
		return file, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ALERTSYNC_BACKEND_PROFILE")))
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDirFromEnv(), "submission-queue.json"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("ALERTSYNC_POSTGRES_DSN"))
		if postgresDSN == "" {
			return "", fmt.Errorf("ALERTSYNC_POSTGRES_DSN is required when ALERTSYNC_BACKEND_PROFILE=%s", profile)
		}
		return postgresDSN, nil
	default:
		return "", fmt.Errorf("unsupported ALERTSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func locationFeedFromEnv() alertsync.LocationFeed {
	latRaw := strings.TrimSpace(os.Getenv("ALERTSYNC_LATITUDE"))
	lngRaw := strings.TrimSpace(os.Getenv("ALERTSYNC_LONGITUDE"))
	if latRaw == "" || lngRaw == "" {
		return nil
	}
	lat := floatEnv("ALERTSYNC_LATITUDE", 0)
	lng := floatEnv("ALERTSYNC_LONGITUDE", 0)
	samples := make(chan alertsync.Coordinate, 1)
	samples <- alertsync.Coordinate{Latitude: lat, Longitude: lng}
	return alertsync.NewChannelFeed(samples)
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}
