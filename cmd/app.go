package cmd

import (
	"example.com/crmstack/services/automation/config"
	"example.com/crmstack/services/automation/internal/cache"
	"example.com/crmstack/services/automation/internal/crm"
	"example.com/crmstack/services/automation/internal/engine"
	"example.com/crmstack/services/automation/internal/metrics"
	"example.com/crmstack/services/automation/internal/models"
	"example.com/crmstack/services/automation/internal/qualification"
	"example.com/crmstack/services/automation/internal/repositories"
	"example.com/crmstack/services/automation/internal/search"
	"example.com/crmstack/services/automation/internal/tracing"
	"example.com/crmstack/services/automation/internal/webhook"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// application bundles everything both commands need wired the same way.
type application struct {
	cfg     config.Config
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	cache   *cache.RedisCache
	elastic *search.ElasticClient

	rules       *repositories.RuleRepository
	definitions *repositories.EventDefinitionRepository
	events      *repositories.EventLogRepository
	executions  *repositories.ActionExecutionRepository
	pipelines   *repositories.PipelineRepository
	leads       *repositories.PipelineLeadRepository

	store     *crm.Store
	queue     *engine.Queue
	emitter   *engine.Emitter
	executor  *engine.Executor
	worker    *engine.Worker
	sweeper   *engine.Sweeper
	simulator *engine.Simulator

	qualification *qualification.Service
}

func buildApplication(cfg config.Config) (*application, error) {
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis, cfg.Engine.RuleCacheTTL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{Enabled: false}, 0)
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		elasticClient = nil
	}

	metricsCollector := metrics.NewMetrics()

	app := &application{
		cfg:     cfg,
		metrics: metricsCollector,
		tracer:  tracer,
		cache:   redisCache,
		elastic: elasticClient,

		rules:       repositories.NewRuleRepository(db, readOnlyDB),
		definitions: repositories.NewEventDefinitionRepository(db, readOnlyDB),
		events:      repositories.NewEventLogRepository(db, readOnlyDB),
		executions:  repositories.NewActionExecutionRepository(db, readOnlyDB),
		pipelines:   repositories.NewPipelineRepository(db, readOnlyDB),
		leads:       repositories.NewPipelineLeadRepository(db, readOnlyDB),

		store: crm.NewStore(db),
	}

	app.queue = engine.NewQueue(cfg.Engine.PartitionCapacity)
	app.emitter = engine.NewEmitter(app.definitions, app.events, app.queue, cfg.Engine.MaxEventDepth, metricsCollector)

	handlers := engine.NewHandlers(
		app.store,
		app.store,
		app.store,
		webhook.NewClient(cfg.Engine.ActionTimeout),
		crm.NewMailer(cfg.Collaborators.MailEndpoint),
	)
	app.executor = engine.NewExecutor(handlers, app.executions, app.emitter.Emit, engine.ExecutorOptions{
		Retries:       cfg.Engine.ActionRetries,
		RetryBackoff:  cfg.Engine.ActionRetryBackoff,
		ActionTimeout: cfg.Engine.ActionTimeout,
	})

	matcher := engine.NewMatcher(app.rules, app.cache)

	var indexer engine.EventIndexer
	if elasticClient != nil {
		indexer = elasticClient
	}
	app.worker = engine.NewWorker(app.queue, matcher, app.executor, app.rules, app.events, indexer,
		metricsCollector, tracer, cfg.Engine.WorkerPoolSize)
	app.sweeper = engine.NewSweeper(app.rules, app.store, app.executor, app.rules,
		metricsCollector, cfg.Engine.SweepInterval)
	app.simulator = engine.NewSimulator(app.rules, app.definitions, handlers)

	app.qualification = qualification.NewService(app.leads, app.pipelines, app.store, metricsCollector)

	return app, nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	// Set higher limits on the read-only pool; reads dominate
	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

