package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/notifier"
	"github.com/kodegeo/showgeo2-sub002/internal/storage"
)

func main() {
	log.Println("Broadcast notifier starting")
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	eventsTable := os.Getenv("EVENTS_TABLE")
	sessionsTable := os.Getenv("SESSIONS_TABLE")
	geoRulesTable := os.Getenv("GEO_RULES_TABLE")
	notificationsTable := os.Getenv("NOTIFICATIONS_TABLE")
	lifecycleQueue := os.Getenv("LIFECYCLE_QUEUE")
	if connStr == "" || eventsTable == "" || sessionsTable == "" || geoRulesTable == "" || notificationsTable == "" || lifecycleQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, storage.Tables{
		Events:        eventsTable,
		Sessions:      sessionsTable,
		GeoRules:      geoRulesTable,
		Notifications: notificationsTable,
	}, lifecycleQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	rc := redis.NewClient(redisOptions())
	lifecycleChannel := envOr("LIFECYCLE_CHANNEL", "broadcast-lifecycle")
	notificationChannel := envOr("NOTIFICATION_CHANNEL", "broadcast-notifications")

	logger := log.StandardLogger()
	p := notifier.NewProcessor(store, rc, lifecycleChannel, notificationChannel, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	notifier.Run(ctx, logger, store, p)
	log.Println("Broadcast notifier stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func redisOptions() *redis.Options {
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	opts, err := redis.ParseURL(redisConn)
	if err == nil {
		return opts
	}
	parts := strings.Split(redisConn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
