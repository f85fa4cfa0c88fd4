package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/access"
	"github.com/kodegeo/showgeo2-sub002/internal/fanout"
	"github.com/kodegeo/showgeo2-sub002/internal/gateway"
	"github.com/kodegeo/showgeo2-sub002/internal/lifecycle"
	"github.com/kodegeo/showgeo2-sub002/internal/registry"
	"github.com/kodegeo/showgeo2-sub002/internal/storage"
)

func main() {
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

	credentialSecret := os.Getenv("CREDENTIAL_SECRET")
	if credentialSecret == "" {
		log.Fatal("missing credential secret")
	}
	credentialTTL := time.Duration(0)
	if v := os.Getenv("CREDENTIAL_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CREDENTIAL_TTL: %v", err)
		}
		credentialTTL = d
	}
	notifyToken := os.Getenv("NOTIFY_TOKEN")
	if notifyToken == "" {
		log.Fatal("missing notify token")
	}

	testMode := os.Getenv("AUTH_TEST_MODE") == "1"
	var auth *gateway.Auth
	if testMode {
		auth = gateway.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = gateway.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	logger := log.New()
	reg := registry.New()
	fan := fanout.New(reg, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go fanout.Subscribe(ctx, logger, rc, lifecycleChannel, notificationChannel, fan)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddleware("gateway"))
	e.GET("/metrics", echoprometheus.NewHandler())

	gateway.Register(e, gateway.Config{
		Gate:        access.NewGate(store),
		Issuer:      access.NewIssuer([]byte(credentialSecret), envOr("CREDENTIAL_ISSUER", "broadcast-gateway"), credentialTTL),
		Lifecycle:   lifecycle.NewService(store, store, logger),
		Registry:    reg,
		Fanout:      fan,
		Auth:        auth,
		Events:      store,
		NotifyToken: notifyToken,
		Logger:      logger,
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("GATEWAY_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// redisOptions parses REDIS_CONNECTION_STRING, accepting either a redis
// URL or an Azure-style "host:port,password=...,ssl=true" string.
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
