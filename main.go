package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	alertapp "equipwatch/internal/alerts/application"
	alertrepo "equipwatch/internal/alerts/infrastructure/postgres"
	alerthttp "equipwatch/internal/alerts/interfaces/http"
	alertnotify "equipwatch/internal/alerts/notify"
	apihttp "equipwatch/internal/api/http"
	"equipwatch/internal/ingest"
	"equipwatch/internal/observability/metrics"
	"equipwatch/internal/pipeline"
	registryapp "equipwatch/internal/registry/application"
	registryrepo "equipwatch/internal/registry/infrastructure/postgres"
	"equipwatch/internal/rolling"
	telemetryrepo "equipwatch/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	profileRepo := registryrepo.NewProfileRepository(db)
	readingRepo := telemetryrepo.NewReadingRepository(db)
	alertRepo := alertrepo.NewAlertRepository(db)

	cachedRegistry, err := registryapp.NewCachedRegistry(profileRepo, logger)
	if err != nil {
		logger.Fatalf("registry cache error: %v", err)
	}

	rules, err := alertapp.LoadRules(cfg.RulesConfigPath)
	if err != nil {
		logger.Fatalf("alert rules error: %v", err)
	}
	evaluator, err := alertapp.NewEvaluator(rules)
	if err != nil {
		logger.Fatalf("evaluator error: %v", err)
	}
	logger.Printf("loaded %d alert rules", len(rules))

	alertBroker := alerthttp.NewSSEBroker()
	alertNotifiers := []alertapp.AlertNotifier{alertBroker}
	if cfg.AlertWebhookURL != "" {
		tpl, err := alertnotify.NewTemplate(cfg.AlertNotifyTemplate)
		if err != nil {
			logger.Fatalf("alert template error: %v", err)
		}
		webhook, err := alertnotify.NewWebhookNotifier(cfg.AlertWebhookURL, tpl,
			alertnotify.WithCooldown(cfg.AlertNotifyCooldown),
			alertnotify.WithRequestTimeout(cfg.AlertNotifyTimeout),
		)
		if err != nil {
			logger.Fatalf("alert webhook error: %v", err)
		}
		alertNotifiers = append(alertNotifiers, webhook)
	}

	alertService, err := alertapp.NewService(alertRepo,
		alertapp.WithNotifier(alertnotify.NewMultiNotifier(alertNotifiers...)),
		alertapp.WithHysteresis(cfg.Hysteresis),
	)
	if err != nil {
		logger.Fatalf("alert service error: %v", err)
	}

	rollingStore := rolling.NewStore(
		rolling.WithWindowSize(cfg.WindowSize),
		rolling.WithRecomputeEvery(cfg.RecomputeEvery),
	)

	coordinator, err := pipeline.NewCoordinator(cachedRegistry, rollingStore, evaluator, alertService, readingRepo, logger,
		pipeline.WithLaneCount(cfg.LaneCount),
		pipeline.WithQueueSize(cfg.LaneQueueSize),
		pipeline.WithRetry(cfg.RetryAttempts, cfg.RetryBackoff),
		pipeline.WithDrainTimeout(cfg.DrainTimeout),
	)
	if err != nil {
		logger.Fatalf("coordinator error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator.Start(ctx)

	ingress, err := ingest.NewIngress(cfg.CoalescingWindow, coordinator.Enqueue, logger)
	if err != nil {
		logger.Fatalf("ingress error: %v", err)
	}

	consumer, err := ingest.NewConsumer(ingest.ConsumerConfig{
		BrokerURL:    cfg.MQTTBrokerURL,
		ClientID:     cfg.MQTTClientID,
		Username:     cfg.MQTTUsername,
		Password:     cfg.MQTTPassword,
		SensorTopic:  cfg.SensorTopic,
		ProfileTopic: cfg.ProfileTopic,
	}, ingress.HandleMessage, cachedRegistry.Invalidate, logger)
	if err != nil {
		logger.Fatalf("mqtt consumer error: %v", err)
	}
	if err := consumer.Start(); err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}

	alertHandler, err := alerthttp.NewHandler(alertService)
	if err != nil {
		logger.Fatalf("alerts handler error: %v", err)
	}
	readingsHandler, err := apihttp.NewReadingsHandler(readingRepo)
	if err != nil {
		logger.Fatalf("readings handler error: %v", err)
	}
	healthHandler, err := apihttp.NewHealthHandler(cachedRegistry, rollingStore, evaluator)
	if err != nil {
		logger.Fatalf("health handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/alerts", alertHandler)
	mux.Handle("/api/v1/alerts/", alertHandler)
	mux.Handle("/api/v1/alerts/stream", alerthttp.NewStreamHandler(alertBroker))
	mux.Handle("/api/v1/readings", readingsHandler)
	mux.Handle("/api/v1/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Printf("shutting down")

	consumer.Close()
	ingress.Flush()
	coordinator.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

type config struct {
	DatabaseURL         string
	HTTPAddr            string
	MQTTBrokerURL       string
	MQTTClientID        string
	MQTTUsername        string
	MQTTPassword        string
	SensorTopic         string
	ProfileTopic        string
	RulesConfigPath     string
	WindowSize          int
	RecomputeEvery      int
	Hysteresis          int
	CoalescingWindow    time.Duration
	LaneCount           int
	LaneQueueSize       int
	RetryAttempts       int
	RetryBackoff        time.Duration
	DrainTimeout        time.Duration
	AlertWebhookURL     string
	AlertNotifyTemplate string
	AlertNotifyCooldown time.Duration
	AlertNotifyTimeout  time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:         getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8080"),
		MQTTBrokerURL:       getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:        getenvDefault("MQTT_CLIENT_ID", "equipwatch-ingress"),
		MQTTUsername:        getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:        getenvDefault("MQTT_PASSWORD", ""),
		SensorTopic:         getenvDefault("SENSOR_TOPIC", "sensors/+/+"),
		ProfileTopic:        getenvDefault("PROFILE_TOPIC", "equipment/+/profile"),
		RulesConfigPath:     getenvDefault("ALERT_RULES_CONFIG", ""),
		WindowSize:          getenvIntDefault("ROLLING_WINDOW_SIZE", rolling.DefaultWindowSize),
		RecomputeEvery:      getenvIntDefault("ROLLING_RECOMPUTE_EVERY", rolling.DefaultRecomputeEvery),
		Hysteresis:          getenvIntDefault("ALERT_HYSTERESIS", alertapp.DefaultHysteresis),
		CoalescingWindow:    getenvDuration("COALESCING_WINDOW", ingest.DefaultCoalescingWindow),
		LaneCount:           getenvIntDefault("PIPELINE_LANES", pipeline.DefaultLaneCount),
		LaneQueueSize:       getenvIntDefault("PIPELINE_LANE_QUEUE", pipeline.DefaultLaneQueueSize),
		RetryAttempts:       getenvIntDefault("PIPELINE_RETRY_ATTEMPTS", pipeline.DefaultRetryAttempts),
		RetryBackoff:        getenvDuration("PIPELINE_RETRY_BACKOFF", pipeline.DefaultRetryBackoff),
		DrainTimeout:        getenvDuration("PIPELINE_DRAIN_TIMEOUT", pipeline.DefaultDrainTimeout),
		AlertWebhookURL:     getenvDefault("ALERT_WEBHOOK_URL", ""),
		AlertNotifyTemplate: getenvDefault("ALERT_NOTIFY_TEMPLATE", ""),
		AlertNotifyCooldown: getenvDuration("ALERT_NOTIFY_COOLDOWN", 0),
		AlertNotifyTimeout:  getenvDuration("ALERT_NOTIFY_TIMEOUT", 5*time.Second),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.MQTTBrokerURL == "" {
		log.Fatal("MQTT_BROKER_URL is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
