package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeya-migration/internal/migration"
	migrationconfig "tradeya-migration/internal/migration/config"
	"tradeya-migration/internal/migration/domain/model"
	"tradeya-migration/internal/shared/logger"

	"github.com/caarlos0/env/v6"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ServerConfig holds the admin server configuration for serve mode.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"localhost"`
	Port string `env:"SERVER_PORT" envDefault:"3000"`
}

const usage = `Usage: migrate <command> [arguments]

Commands:
  verify                      run the index readiness check and record the result
  phase <phase>               advance the migration phase
  snapshot <id> <location>    record a backup snapshot reference
  backfill <collection>       run the backfill for a collection (resumes automatically)
  rollback [reason]           revert to legacy writes and legacy-first reads
  cleanup <collection>        strip legacy fields from a fully migrated collection
  status                      print the registry state and backfill progress
  serve                       run the admin API, progress websocket, and health monitor

An interrupted backfill persists its cursor; running backfill again resumes it.
`

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	appLogger := logger.NewLogger()

	cfg, err := migrationconfig.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load migration configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			appLogger.Errorf("Failed to disconnect MongoDB: %v", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = mongoClient.Ping(pingCtx, nil)
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	appLogger.Info("MongoDB connection established successfully")

	db := mongoClient.Database(cfg.DatabaseName)
	redisClient := migrationconfig.NewRedisClient(&cfg.Redis)

	module, err := migration.NewModule(appLogger, db, redisClient, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize migration module: %v", err)
	}
	defer func() {
		if err := module.Stop(); err != nil {
			appLogger.Errorf("Failed to stop migration module: %v", err)
		}
	}()

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = module.Initialize(initCtx)
	initCancel()
	if err != nil {
		log.Fatalf("Failed to initialize migration registry: %v", err)
	}

	if err := run(module, args); err != nil {
		appLogger.Errorf("Command %q failed: %v", args[0], err)
		os.Exit(1)
	}
}

func run(module *migration.Module, args []string) error {
	command, rest := args[0], args[1:]

	// Every command except serve is a one-shot operation that should survive
	// slow batches but still die on Ctrl-C with its state persisted.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "verify":
		return runVerify(ctx, module)
	case "phase":
		if len(rest) != 1 {
			return fmt.Errorf("usage: migrate phase <phase>")
		}
		return module.Registry.SetPhase(ctx, model.Phase(rest[0]))
	case "snapshot":
		if len(rest) < 2 {
			return fmt.Errorf("usage: migrate snapshot <id> <location>")
		}
		return module.SnapshotStore.Record(ctx, &model.BackupSnapshot{
			ID:       rest[0],
			Location: rest[1],
			TakenAt:  time.Now(),
		})
	case "backfill":
		if len(rest) != 1 {
			return fmt.Errorf("usage: migrate backfill <collection>")
		}
		return runBackfill(ctx, module, rest[0])
	case "rollback":
		reason := "manual rollback via CLI"
		if len(rest) > 0 {
			reason = rest[0]
		}
		return module.Registry.Rollback(ctx, reason)
	case "cleanup":
		if len(rest) != 1 {
			return fmt.Errorf("usage: migrate cleanup <collection>")
		}
		cleaned, err := module.Cleaner.Run(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("Cleaned %d documents in %s\n", cleaned, rest[0])
		return nil
	case "status":
		return runStatus(ctx, module)
	case "serve":
		return runServe(ctx, module)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runVerify(ctx context.Context, module *migration.Module) error {
	result, err := module.Verifier.Verify(ctx, module.Config.Environment)
	if err != nil {
		return err
	}
	if err := module.Registry.RecordVerification(ctx, result); err != nil {
		return err
	}
	printJSON(result)
	if !result.Ready {
		return fmt.Errorf("environment is not ready for migration")
	}
	return nil
}

func runBackfill(ctx context.Context, module *migration.Module, collection string) error {
	if _, err := module.SnapshotStore.Latest(ctx); err != nil {
		module.Logger.Warn("No backup snapshot reference recorded; run 'migrate snapshot' before backfilling production data")
	}
	prog, err := module.Executor.Run(ctx, collection)
	if prog != nil {
		printJSON(prog)
	}
	return err
}

func runStatus(ctx context.Context, module *migration.Module) error {
	status := map[string]interface{}{
		"registry": module.Registry.Current(),
	}
	progress := map[string]interface{}{}
	for _, collection := range module.Config.Collections {
		p, err := module.ProgressStore.Get(ctx, collection)
		if err != nil {
			continue
		}
		progress[collection] = p
	}
	status["progress"] = progress
	printJSON(status)
	return nil
}

func runServe(ctx context.Context, module *migration.Module) error {
	serverCfg := &ServerConfig{}
	if err := env.Parse(serverCfg); err != nil {
		return fmt.Errorf("load server configuration: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "TradeYa Migration Admin v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	module.RegisterRoutes(app)
	module.StartBackgroundServices(ctx)

	addr := fmt.Sprintf("%s:%s", serverCfg.Host, serverCfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()
	module.Logger.Infof("Admin server listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		module.Logger.Info("Shutting down admin server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(out))
}
