// Command aegis runs the data quality observability service: the scan
// scheduler, the incident pipeline and the HTTP API in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aegis-io/aegis/internal/aliasing"
	"github.com/aegis-io/aegis/internal/api"
	"github.com/aegis-io/aegis/internal/api/middleware"
	"github.com/aegis-io/aegis/internal/architect"
	"github.com/aegis-io/aegis/internal/config"
	"github.com/aegis-io/aegis/internal/lineage"
	"github.com/aegis-io/aegis/internal/notifier"
	"github.com/aegis-io/aegis/internal/orchestrator"
	"github.com/aegis-io/aegis/internal/scanner"
	"github.com/aegis-io/aegis/internal/sentinel"
	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
	"github.com/aegis-io/aegis/migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Aegis failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	store, cleanup, err := openStore(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	events := notifier.New(logger)

	hub := notifier.NewHub(logger)
	events.Subscribe(hub)

	if brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")); len(brokers) > 0 {
		topic := config.GetEnvStr("KAFKA_INCIDENT_TOPIC", "aegis.incidents")
		publisher := notifier.NewKafkaPublisher(brokers, topic)
		events.Subscribe(publisher)

		defer func() { _ = publisher.Close() }()

		logger.Info("Kafka event publishing enabled", slog.String("topic", topic))
	}

	// Schema filter and alias rules share the aegis config file.
	configPath := config.GetEnvStr(aliasing.ConfigPathEnvVar, aliasing.DefaultConfigPath)

	filterCfg, err := warehouse.LoadFilterConfig(configPath)
	if err != nil {
		return fmt.Errorf("invalid schema filter configuration: %w", err)
	}

	connect := func(dialect, uri string) (warehouse.Connector, error) {
		return warehouse.New(dialect, uri, filterCfg.FilterFor(dialect))
	}

	graph := lineage.NewGraph(store)
	refresher := lineage.NewRefresher(store, logger, lineage.WithResolver(newAliasResolver(logger)))

	completer := newCompleter(logger)
	arch := architect.New(completer, graph, store, logger)
	orch := orchestrator.New(store, arch, events, logger)

	detectors := []scanner.Detector{
		sentinel.NewSchemaSentinel(store, logger),
		sentinel.NewFreshnessSentinel(store, logger),
	}

	scn := scanner.New(store, detectors, orch, refresher, events, scanner.LoadConfig(), logger,
		scanner.WithConnectorFactory(connect), scanner.WithCompleter(completer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scn.Run(ctx)

	server := api.NewServer(api.LoadServerConfig(), api.Dependencies{
		Store:       store,
		Scanner:     scn,
		Graph:       graph,
		Hub:         hub,
		Probe:       connect,
		RateLimiter: middleware.NewInMemoryRateLimiter(middleware.LoadRateLimitConfig()),
	})

	return server.Start()
}

// openStore connects to Postgres, applies pending migrations and builds the
// store with URI encryption when ENCRYPTION_KEY is configured.
func openStore(logger *slog.Logger) (*storage.Store, func(), error) {
	cfg := storage.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	conn, err := storage.NewConnection(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(conn.DB()); err != nil {
		_ = conn.Close()

		return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	opts := []storage.StoreOption{storage.WithLogger(logger)}

	if encoded := config.GetEnvStr("ENCRYPTION_KEY", ""); encoded != "" {
		cipher, err := storage.NewCipher(encoded)
		if err != nil {
			_ = conn.Close()

			return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
		}

		opts = append(opts, storage.WithCipher(cipher))
	} else {
		logger.Warn("ENCRYPTION_KEY unset - connection URIs stored in plaintext")
	}

	store, err := storage.NewStore(conn, opts...)
	if err != nil {
		_ = conn.Close()

		return nil, nil, fmt.Errorf("failed to build store: %w", err)
	}

	return store, func() { _ = conn.Close() }, nil
}

// newAliasResolver loads table alias rules from the aegis config file. A
// missing or broken config yields a passthrough resolver.
func newAliasResolver(logger *slog.Logger) *aliasing.Resolver {
	cfg, _ := aliasing.LoadConfigFromEnv()

	resolver := aliasing.NewResolver(cfg)
	if resolver.RuleCount() > 0 {
		logger.Info("Table alias rules loaded", slog.Int("rules", resolver.RuleCount()))
	}

	return resolver
}

// newCompleter wires the LLM adapter when an API key is configured. Without
// one the architect's deterministic fallback covers every diagnosis.
func newCompleter(logger *slog.Logger) architect.Completer {
	apiKey := config.GetEnvStr("ANTHROPIC_API_KEY", "")
	if apiKey == "" {
		logger.Warn("ANTHROPIC_API_KEY unset - diagnoses use the rule-based fallback")

		return nil
	}

	return architect.NewAnthropicCompleter(apiKey, config.GetEnvStr("AEGIS_LLM_MODEL", ""))
}
