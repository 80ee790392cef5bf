package migration

import (
	"context"
	"time"

	httpadapter "tradeya-migration/internal/migration/adapter/http"
	mongodbpersistence "tradeya-migration/internal/migration/adapter/persistence/mongodb"
	"tradeya-migration/internal/migration/compat"
	"tradeya-migration/internal/migration/config"
	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/migration/executor"
	"tradeya-migration/internal/migration/monitor"
	"tradeya-migration/internal/migration/registry"
	"tradeya-migration/internal/migration/verifier"
	"tradeya-migration/internal/shared/eventbus"
	"tradeya-migration/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Module wires the schema migration subsystem together: the registry and its
// fanout, the verifier, the compatibility adapters, the batch executor, and
// the health monitor.
type Module struct {
	Config   *config.MigrationConfig
	Logger   logger.Logger
	EventBus *eventbus.EventBus

	DocumentStore *mongodbpersistence.MongoDocumentStore
	PolicyStore   *mongodbpersistence.MongoPolicyStore
	ProgressStore *mongodbpersistence.MongoProgressStore
	SnapshotStore *mongodbpersistence.MongoSnapshotStore

	Registry *registry.Registry
	Verifier *verifier.Verifier
	Executor *executor.Executor
	Cleaner  *executor.Cleaner
	Monitor  *monitor.Monitor

	TradeAdapter        *compat.TradeAdapter
	ConversationAdapter *compat.ConversationAdapter

	RedisClient *redis.Client
	Notifier    *registry.RedisPolicyNotifier
}

// NewModule creates and initializes the migration module. The Redis client is
// optional; without it, policy changes propagate only through the periodic
// cache refresh.
func NewModule(log logger.Logger, db *mongo.Database, redisClient *redis.Client, cfg *config.MigrationConfig) (*Module, error) {
	log.Info("Initializing migration module...")

	if cfg == nil {
		cfg = config.DefaultConfig()
		log.Info("No configuration provided, using defaults.")
	}

	bus := eventbus.NewEventBus(log)

	documentStore := mongodbpersistence.NewMongoDocumentStore(db, log)
	policyStore := mongodbpersistence.NewMongoPolicyStore(db, log)
	progressStore := mongodbpersistence.NewMongoProgressStore(db, log)
	snapshotStore := mongodbpersistence.NewMongoSnapshotStore(db, log)
	indexInspector := mongodbpersistence.NewMongoIndexInspector(db, log)

	// A typed nil pointer must not end up in the interface field, so the
	// notifier is only assigned when Redis is actually configured.
	var notifier *registry.RedisPolicyNotifier
	var policyNotifier repository.PolicyNotifier
	if redisClient != nil {
		notifier = registry.NewRedisPolicyNotifier(redisClient, cfg.Redis.Channel, log)
		policyNotifier = notifier
	}

	refreshInterval := config.ParseDuration(cfg.Registry.RefreshInterval, 10*time.Second)
	reg := registry.NewRegistry(policyStore, policyNotifier, bus, log, refreshInterval)

	ver := verifier.NewVerifier(
		indexInspector,
		documentStore,
		log,
		verifier.DefaultProbes(),
		config.ParseDuration(cfg.Verifier.ProbeLatencyThreshold, 250*time.Millisecond),
		cfg.Verifier.ProbeLimit,
	)

	exec := executor.NewExecutor(documentStore, progressStore, reg, log, executor.Options{
		BatchSize:      cfg.Executor.BatchSize,
		Workers:        cfg.Executor.Workers,
		MaxRetries:     cfg.Executor.MaxRetries,
		RetryBaseDelay: config.ParseDuration(cfg.Executor.RetryBaseDelay, 500*time.Millisecond),
	}, executor.DefaultTransforms())

	cleaner := executor.NewCleaner(documentStore, progressStore, reg, log,
		cfg.Executor.BatchSize,
		config.ParseDuration(cfg.Executor.CleanupObservationWindow, 7*24*time.Hour))

	monitorWindow := config.ParseDuration(cfg.Monitor.Window, 5*time.Minute)
	tradeMetrics := compat.NewMetrics(monitorWindow)
	conversationMetrics := compat.NewMetrics(monitorWindow)

	tradeAdapter := compat.NewTradeAdapter(documentStore, reg, bus, tradeMetrics, log)
	conversationAdapter := compat.NewConversationAdapter(documentStore, reg, bus, conversationMetrics, log)

	mon := monitor.NewMonitor(documentStore, reg,
		map[string]*compat.Metrics{
			compat.TradesCollection:        tradeMetrics,
			compat.ConversationsCollection: conversationMetrics,
		},
		log,
		config.ParseDuration(cfg.Monitor.Interval, 30*time.Second),
		monitorWindow,
		cfg.Monitor.SampleSize,
		monitor.Thresholds{
			ErrorRate:         cfg.Monitor.ErrorRateThreshold,
			InconsistencyRate: cfg.Monitor.InconsistencyRateThreshold,
		})

	log.Info("Migration module initialized successfully.")
	return &Module{
		Config:              cfg,
		Logger:              log,
		EventBus:            bus,
		DocumentStore:       documentStore,
		PolicyStore:         policyStore,
		ProgressStore:       progressStore,
		SnapshotStore:       snapshotStore,
		Registry:            reg,
		Verifier:            ver,
		Executor:            exec,
		Cleaner:             cleaner,
		Monitor:             mon,
		TradeAdapter:        tradeAdapter,
		ConversationAdapter: conversationAdapter,
		RedisClient:         redisClient,
		Notifier:            notifier,
	}, nil
}

// Initialize loads or creates the persisted registry state for the configured
// collections. Must be called before serving traffic.
func (m *Module) Initialize(ctx context.Context) error {
	return m.Registry.Initialize(ctx, m.Config.Collections...)
}

// RegisterRoutes mounts the admin API and the progress websocket.
func (m *Module) RegisterRoutes(app *fiber.App) {
	admin := &httpadapter.AdminHandler{
		Registry:    m.Registry,
		Verifier:    m.Verifier,
		Executor:    m.Executor,
		Cleaner:     m.Cleaner,
		Progress:    m.ProgressStore,
		Snapshots:   m.SnapshotStore,
		Environment: m.Config.Environment,
		Collections: m.Config.Collections,
		Log:         m.Logger,
	}
	admin.RegisterRoutes(app)

	ws := httpadapter.NewProgressWSHandler(m.ProgressStore, m.Logger, time.Second)
	ws.RegisterRoutes(app)

	m.Logger.Info("Migration admin routes registered.")
}

// StartBackgroundServices runs the registry refresh loop and the health
// monitor until ctx is cancelled.
func (m *Module) StartBackgroundServices(ctx context.Context) {
	go func() {
		if err := m.Registry.Start(ctx); err != nil && ctx.Err() == nil {
			m.Logger.Errorf("Registry refresh loop stopped: %v", err)
		}
	}()
	go func() {
		if err := m.Monitor.Start(ctx); err != nil && ctx.Err() == nil {
			m.Logger.Errorf("Health monitor stopped: %v", err)
		}
	}()
	m.Logger.Info("Migration background services started.")
}

// Stop gracefully shuts the module down.
func (m *Module) Stop() error {
	m.Logger.Info("Stopping migration module...")
	if m.RedisClient != nil {
		if err := m.RedisClient.Close(); err != nil {
			m.Logger.Errorf("Failed to close Redis client: %v", err)
		}
	}
	m.Logger.Info("Migration module stopped.")
	return nil
}
