// Command tradecore runs the trading platform: the bus, stores, indicator
// engine, strategy evaluator, order managers, execution controller and the
// operator HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantfabric/tradecore/errs"
	"github.com/quantfabric/tradecore/internal/bus"
	"github.com/quantfabric/tradecore/internal/config"
	"github.com/quantfabric/tradecore/internal/coordinator"
	"github.com/quantfabric/tradecore/internal/exchange"
	"github.com/quantfabric/tradecore/internal/execution"
	"github.com/quantfabric/tradecore/internal/indicator"
	"github.com/quantfabric/tradecore/internal/observability"
	"github.com/quantfabric/tradecore/internal/order"
	"github.com/quantfabric/tradecore/internal/persistence"
	"github.com/quantfabric/tradecore/internal/position"
	"github.com/quantfabric/tradecore/internal/risk"
	"github.com/quantfabric/tradecore/internal/schema"
	httpserver "github.com/quantfabric/tradecore/internal/server/http"
	"github.com/quantfabric/tradecore/internal/store"
	"github.com/quantfabric/tradecore/internal/store/ilp"
	"github.com/quantfabric/tradecore/internal/store/postgres"
	"github.com/quantfabric/tradecore/internal/strategy"
	"github.com/quantfabric/tradecore/lib/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("TRADECORE_CONFIG"), "Path to the yaml configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	observability.SetLogger(observability.NewZerologLogger(os.Stdout, cfg.Logging.Level))
	log := observability.Log()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}

	b := bus.NewMemoryBus(bus.MemoryConfig{
		QueueSize:  cfg.Bus.QueueSize,
		MaxRetries: cfg.Bus.MaxRetries,
	})

	// Persistence: pg-wire store for queries and transactional writes, ILP
	// for bulk indicator ingestion when configured. Without a DSN everything
	// stays in memory, which suits backtests over CSV archives.
	var st store.Store
	if dsn := strings.TrimSpace(cfg.Store.DSN); dsn != "" {
		pg, pool, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = pg
	} else {
		log.Warn("no store dsn configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	var indicatorWriter store.IndicatorWriter = st
	if addr := strings.TrimSpace(cfg.Store.ILPAddress); addr != "" {
		ingestor, err := ilp.Connect(ctx, addr)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = ingestor.Close(closeCtx)
		}()
		indicatorWriter = ingestor
	}

	// Indicators.
	registry := indicator.NewRegistry()
	variants := indicator.NewVariantRegistry(registry)
	batcher := persistence.NewIndicatorBatcher(indicatorWriter, persistence.IndicatorBatcherConfig{
		FlushInterval: cfg.Indicators.FlushInterval,
	})
	batcher.Start(ctx)
	defer batcher.Stop()

	engine := indicator.NewEngine(b, registry, variants, batcher, indicator.EngineConfig{
		BufferCapacity: cfg.Indicators.BufferCapacity,
	})
	if err := engine.Attach(); err != nil {
		return err
	}
	defer engine.Detach()

	scheduler := indicator.NewScheduler(engine, indicator.SchedulerConfig{
		MinSleep: cfg.Indicators.SchedulerMinSleep,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Strategies and trading state.
	evaluator := strategy.NewEvaluator(b)
	if err := evaluator.Attach(); err != nil {
		return err
	}
	defer evaluator.Detach()

	recorder := persistence.NewTradingRecorder(b, st)
	if err := recorder.Attach(); err != nil {
		return err
	}
	defer recorder.Detach()

	tracker := position.NewTracker(b)
	if err := tracker.Attach(); err != nil {
		return err
	}
	defer tracker.Detach()

	riskMgr, err := risk.NewManager(cfg.Risk, b)
	if err != nil {
		return err
	}

	quotes := order.NewQuoteCache(b)
	if err := quotes.Attach(); err != nil {
		return err
	}
	defer quotes.Detach()

	// Exchange adapter: the live websocket adapter when configured, the
	// deterministic synthetic one otherwise so paper sessions run without
	// credentials.
	var feed execution.Feed
	var ex order.Exchange
	if strings.TrimSpace(cfg.Exchange.WSBaseURL) != "" {
		adapter := exchange.NewLiveAdapter(cfg.Exchange, cfg.Execution.LiveQueueSize)
		feed, ex = adapter, adapter
	} else {
		log.Warn("no exchange configured, using synthetic adapter")
		fake := exchange.NewFakeAdapter(time.Now().UnixNano(), 100*time.Millisecond, cfg.Execution.LiveQueueSize)
		feed, ex = fake, fake
	}

	// Order managers, one per mode, rebound atomically per session.
	paperMgr, err := order.NewPaperManager(b, quotes, tracker, riskMgr, cfg.Orders, cfg.Paper)
	if err != nil {
		return err
	}
	backtestMgr, err := order.NewBacktestManager(b, quotes, tracker, cfg.Orders)
	if err != nil {
		return err
	}
	liveMgr, err := order.NewLiveManager(b, ex, quotes, tracker, riskMgr, cfg.Orders)
	if err != nil {
		return err
	}
	binding := order.NewBinding(b, paperMgr)
	if err := binding.Attach(); err != nil {
		return err
	}
	defer binding.Detach()

	coord := coordinator.New(b, cfg.Coordinator)
	if err := coord.Attach(); err != nil {
		return err
	}
	defer coord.Detach()

	controller := execution.NewController(execution.Deps{
		Bus:        b,
		Leases:     execution.NewLeaseTable(),
		Indicators: engine,
		Strategies: evaluator,
		Binding:    binding,
		Managers: map[schema.SessionMode]order.Manager{
			schema.ModePaper:    paperMgr,
			schema.ModeBacktest: backtestMgr,
			schema.ModeLive:     liveMgr,
		},
		Sessions: st,
		Flush:    []func(context.Context){batcher.Flush},
		Config:   cfg.Execution,
	})
	if err := controller.AttachSessionManager(coord); err != nil {
		return err
	}
	backtestMgr.SetClock(controller.ReplayClock())

	sources := sourceFactory(st, feed, coord, cfg.Execution)

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpserver.NewHandler(httpserver.Deps{
			Executor:    controller,
			Sources:     sources,
			Bus:         b,
			Variants:    variants,
			Registry:    registry,
			Strategies:  evaluator,
			Risk:        riskMgr,
			Coordinator: coord,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", observability.F("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := controller.Stop(shutdownCtx); err != nil && errs.CodeOf(err) != errs.CodeState {
		log.Error("session stop on shutdown failed", observability.F("error", err.Error()))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", observability.F("error", err.Error()))
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Error("bus shutdown failed", observability.F("error", err.Error()))
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown failed", observability.F("error", err.Error()))
	}
	return nil
}

// sourceFactory maps start commands onto data sources: the store or a CSV
// archive for backtests, the exchange feed for everything else.
func sourceFactory(st store.Store, feed execution.Feed, coord *coordinator.Coordinator, execCfg config.ExecutionConfig) httpserver.SourceFactory {
	return func(req httpserver.CommandRequest, mode schema.SessionMode) (execution.DataSource, error) {
		if mode == schema.ModeBacktest {
			if dir := strings.TrimSpace(req.ArchiveDir); dir != "" {
				return execution.NewCSVSource(dir, req.Symbols, execCfg.BatchSize), nil
			}
			if id := strings.TrimSpace(req.SourceSessionID); id != "" {
				return execution.NewHistoricalSource(st, id, req.Symbols, req.From, req.To, execCfg.BatchSize), nil
			}
			return nil, errs.New("execution/source", errs.CodeInvalid,
				errs.WithMessage("backtest requires source_session_id or archive_dir"))
		}
		return execution.NewLiveSource(feed, coord, string(mode), req.Symbols,
			execCfg.LiveQueueSize, execCfg.BatchSize), nil
	}
}
