package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ukydev/fleet-telemetry/internal/alerts"
	"github.com/ukydev/fleet-telemetry/internal/cache"
	"github.com/ukydev/fleet-telemetry/internal/config"
	"github.com/ukydev/fleet-telemetry/internal/db"
	"github.com/ukydev/fleet-telemetry/internal/hub"
	"github.com/ukydev/fleet-telemetry/internal/ingest"
	"github.com/ukydev/fleet-telemetry/internal/metrics"
	"github.com/ukydev/fleet-telemetry/internal/middleware"
	"github.com/ukydev/fleet-telemetry/internal/partition"
	"github.com/ukydev/fleet-telemetry/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Fatal("failed to read .env")
	}
	cfg := config.Load()
	logger := configureLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg := db.NewManager(db.PostgresConfig{
		DSN:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	}, logger)
	if err := pg.Connect(ctx, cfg.DBConnectRetries, cfg.DBConnectDelay); err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	metrics.DBHealth.Set(1)
	sqlDB, err := pg.DB()
	if err != nil {
		logger.WithError(err).Fatal("postgres pool unavailable")
	}
	if err := db.Migrate(sqlDB); err != nil {
		logger.WithError(err).Fatal("failed to apply migrations")
	}

	partitions := partition.NewManager(pg, partition.DefaultParent, logger)
	if _, err := partitions.EnsurePartitions(ctx, time.Now(), cfg.PartitionMonthsAhead); err != nil {
		logger.WithError(err).Fatal("failed to prepare telemetry partitions")
	}
	go partitions.Run(ctx, cfg.PartitionInterval, cfg.PartitionMonthsAhead)
	go pg.Monitor(ctx, cfg.HealthInterval, recordHealth)

	var registry *db.FleetRegistry
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to mongo")
		}
		registry = db.NewFleetRegistry(mongoClient.Database(cfg.MongoDB))
		if err := registry.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Fatal("failed to create registry indexes")
		}
		logger.Info("connected to mongo fleet registry")
	}

	var latest telemetry.LatestCache
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		latest = cache.NewLatest(redisClient, cfg.LatestCacheTTL)
		logger.Info("latest-value cache enabled")
	}

	store := telemetry.NewStore(pg, latest, logger)
	engine := alerts.NewEngine(pg, cfg.Thresholds, logger)
	broadcast := hub.New(hub.Config{SendBuffer: cfg.HubSendBuffer}, logger)

	deps := ingest.Deps{
		Store:      store,
		Partitions: partitions,
		Alerts:     engine,
		Publisher:  broadcast,
	}
	if registry != nil {
		deps.Devices = registry
	}
	pipeline := ingest.NewPipeline(deps, logger)

	var subscriber *ingest.Subscriber
	if cfg.MQTTBroker != "" {
		client := ingest.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID, logger)
		subscriber = ingest.NewSubscriber(client, cfg.MQTTTopic, pipeline, logger)
		if err := subscriber.Start(ctx); err != nil {
			logger.WithError(err).Fatal("failed to start mqtt ingress")
		}
	}

	limiter := middleware.HandshakeLimit(cfg.WSHandshakeLimit, time.Minute, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(broadcast, pg, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sd := &shutdowner{logger: logger}
	if subscriber != nil {
		sd.add("mqtt", func(context.Context) error { subscriber.Stop(); return nil })
	}
	sd.add("hub", func(context.Context) error { broadcast.Stop(); return nil })
	sd.add("http", srv.Shutdown)
	sd.add("background", func(context.Context) error { cancel(); return nil })
	sd.add("postgres", func(context.Context) error { pg.Disconnect(); return nil })
	if mongoClient != nil {
		sd.add("mongo", mongoClient.Disconnect)
	}
	if redisClient != nil {
		sd.add("redis", func(context.Context) error { return redisClient.Close() })
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			logger.WithField("signal", sig.String()).Info("shutdown requested")
			go sd.Shutdown(shutdownTimeout)
		}
	}()

	logger.WithField("addr", srv.Addr).Info("telemetry service listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("http server failed")
		sd.Shutdown(shutdownTimeout)
	}
	sd.Wait()
	logger.Info("telemetry service stopped")
}

func configureLogging(level string) *log.Entry {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("log_level", level).Warn("unknown log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	return log.WithField("service", "fleet-telemetry")
}

func recordHealth(status db.HealthStatus) {
	if status == db.HealthUnhealthy {
		metrics.DBHealth.Set(0)
		return
	}
	metrics.DBHealth.Set(1)
}

type healthReporter interface {
	Status() db.HealthStatus
}

type statsSource interface {
	Stats() (hub.Stats, error)
}

func newMux(h *hub.Hub, health healthReporter, limit func(http.Handler) http.Handler, logger *log.Entry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", limit(hub.NewWSHandler(h, logger)))
	mux.Handle("/healthz", healthHandler(health, h))
	mux.Handle("/metrics", promhttp.Handler())
	return middleware.Recover(logger)(middleware.Logging(logger)(mux))
}

type healthResponse struct {
	Status   string    `json:"status"`
	Database string    `json:"database"`
	Hub      hub.Stats `json:"hub"`
}

// healthHandler reports 503 while the pool is unhealthy or the hub is stopped.
func healthHandler(health healthReporter, stats statsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := healthResponse{Status: "ok", Database: string(health.Status())}
		code := http.StatusOK
		st, err := stats.Stats()
		if err != nil {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			resp.Hub = st
		}
		if health.Status() == db.HealthUnhealthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// shutdowner runs its steps once, in registration order, no matter how many
// signal paths call Shutdown.
type shutdowner struct {
	logger *log.Entry
	steps  []shutdownStep
	once   sync.Once
	done   chan struct{}
	init   sync.Once
}

func (s *shutdowner) add(name string, fn func(context.Context) error) {
	s.steps = append(s.steps, shutdownStep{name: name, fn: fn})
}

func (s *shutdowner) doneCh() chan struct{} {
	s.init.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

func (s *shutdowner) Shutdown(timeout time.Duration) {
	done := s.doneCh()
	s.once.Do(func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for _, step := range s.steps {
			if err := step.fn(ctx); err != nil {
				s.logger.WithError(err).WithField("step", step.name).Warn("shutdown step failed")
				continue
			}
			s.logger.WithField("step", step.name).Debug("shutdown step complete")
		}
	})
	<-done
}

// Wait blocks until Shutdown has finished.
func (s *shutdowner) Wait() {
	<-s.doneCh()
}
