// Package app assembles the control plane: it builds every component from
// configuration, wires the event flows between them, and supervises startup
// and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradepilot/tradepilot/internal/compliance"
	"github.com/tradepilot/tradepilot/internal/config"
	"github.com/tradepilot/tradepilot/internal/eventlog"
	"github.com/tradepilot/tradepilot/internal/exchange"
	"github.com/tradepilot/tradepilot/internal/exchange/binance"
	"github.com/tradepilot/tradepilot/internal/exchange/kraken"
	"github.com/tradepilot/tradepilot/internal/exchange/sim"
	httpapi "github.com/tradepilot/tradepilot/internal/interfaces/http"
	"github.com/tradepilot/tradepilot/internal/marketdata"
	"github.com/tradepilot/tradepilot/internal/orders"
	"github.com/tradepilot/tradepilot/internal/risk"
	"github.com/tradepilot/tradepilot/internal/snapcache"
	"github.com/tradepilot/tradepilot/internal/supervisor"
	"github.com/tradepilot/tradepilot/internal/telemetry"
)

// simCommissionBps is the taker commission the simulated venue charges.
const simCommissionBps = 10

// parameterTarget forwards compliance corrective actions to the order
// manager. The indirection breaks the construction cycle: the monitor is
// built before the manager, which needs the monitor as its gate.
type parameterTarget struct {
	mu      sync.Mutex
	manager *orders.Manager
}

func (t *parameterTarget) bind(m *orders.Manager) {
	t.mu.Lock()
	t.manager = m
	t.mu.Unlock()
}

func (t *parameterTarget) AdjustParameter(name string, delta float64) (float64, error) {
	t.mu.Lock()
	m := t.manager
	t.mu.Unlock()
	if m == nil {
		return 0, fmt.Errorf("order manager not started")
	}
	return m.AdjustParameter(name, delta)
}

func (t *parameterTarget) PauseNewOrders(reason string) {
	t.mu.Lock()
	m := t.manager
	t.mu.Unlock()
	if m != nil {
		m.PauseNewOrders(reason)
	}
}

// App is the assembled control plane.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	Metrics    *telemetry.Metrics
	Log        eventlog.Log
	Market     *marketdata.Aggregator
	Risk       *risk.Engine
	Monitor    *compliance.Monitor
	Manager    *orders.Manager
	Supervisor *supervisor.Supervisor
	Server     *httpapi.Server
	Cache      *snapcache.Cache
}

// New builds the full component graph from configuration.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	metrics := telemetry.New()

	log, err := buildEventLog(cfg.EventLog)
	if err != nil {
		return nil, err
	}

	adapters, guards, symbolsByExchange, err := buildVenues(cfg.Exchanges, logger)
	if err != nil {
		return nil, err
	}

	adapterList := make([]exchange.Adapter, 0, len(adapters))
	for _, a := range adapters {
		adapterList = append(adapterList, a)
	}
	market := marketdata.New(cfg.MarketData, adapterList, symbolsByExchange, metrics, logger)
	subscribeAll(market, symbolsByExchange, logger)

	riskEngine := risk.NewEngine(cfg.Risk, metrics, logger)

	target := &parameterTarget{}
	source := compliance.NewLogOutcomeSource(log, 4*cfg.Compliance.SampleSize)
	monitor := compliance.NewMonitor(cfg.Compliance, source, target, log, metrics, logger)
	if cfg.Compliance.AdvisorURL != "" {
		monitor.SetAdvisor(&compliance.ClaudeProvider{
			URL:    cfg.Compliance.AdvisorURL,
			APIKey: cfg.Compliance.AdvisorAPIKey,
		})
	}

	manager, err := orders.NewManager(cfg.Orders, riskEngine, monitor, market,
		adapters, guards, log, metrics, logger)
	if err != nil {
		return nil, err
	}
	target.bind(manager)

	var cache *snapcache.Cache
	var publisher supervisor.Publisher
	if cfg.Redis.Addr != "" {
		cache = snapcache.New(ctx, cfg.Redis, logger)
		publisher = cache
	}

	sup := supervisor.New(cfg.Supervisor, market, riskEngine, monitor, manager,
		publisher, log, metrics, logger)

	server := httpapi.NewServer(cfg.HTTP, sup, manager, monitor, log, metrics, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		Metrics:    metrics,
		Log:        log,
		Market:     market,
		Risk:       riskEngine,
		Monitor:    monitor,
		Manager:    manager,
		Supervisor: sup,
		Server:     server,
		Cache:      cache,
	}, nil
}

func buildEventLog(cfg config.EventLogConfig) (eventlog.Log, error) {
	switch cfg.Driver {
	case "", "memory":
		return eventlog.NewMemoryLog(cfg.MemoryCapacity), nil
	case "postgres":
		return eventlog.NewPostgresLog(cfg.DSN, 0)
	default:
		return nil, fmt.Errorf("unknown event log driver %q", cfg.Driver)
	}
}

func buildVenues(configs []config.ExchangeConfig, logger zerolog.Logger) (
	map[string]exchange.Adapter, map[string]*exchange.Guard, map[string][]string, error) {

	adapters := make(map[string]exchange.Adapter, len(configs))
	guards := make(map[string]*exchange.Guard, len(configs))
	symbols := make(map[string][]string, len(configs))

	for _, ec := range configs {
		var adapter exchange.Adapter
		switch ec.Name {
		case "binance":
			adapter = binance.New(ec.StreamURL, ec.RestURL, exchange.Credentials{
				APIKey:    ec.APIKey,
				APISecret: ec.APISecret,
			}, ec.Symbols, ec.RequestTimeout, logger)
		case "kraken":
			adapter = kraken.New(ec.StreamURL, ec.RestURL, exchange.Credentials{
				APIKey:    ec.APIKey,
				APISecret: ec.APISecret,
			}, ec.Symbols, ec.RequestTimeout, logger)
		case "sim":
			adapter = sim.New(ec.Name, simCommissionBps)
		default:
			return nil, nil, nil, fmt.Errorf("unknown exchange %q", ec.Name)
		}
		adapters[ec.Name] = adapter
		guards[ec.Name] = exchange.NewGuard(ec.Name, ec.MaxOrdersPerSec, ec.BurstSize, logger)
		symbols[ec.Name] = ec.Symbols
	}
	return adapters, guards, symbols, nil
}

func subscribeAll(market *marketdata.Aggregator, symbolsByExchange map[string][]string, logger zerolog.Logger) {
	exchangesBySymbol := make(map[string][]string)
	for venue, syms := range symbolsByExchange {
		for _, s := range syms {
			exchangesBySymbol[s] = append(exchangesBySymbol[s], venue)
		}
	}
	for symbol, venues := range exchangesBySymbol {
		if _, err := market.Subscribe(symbol, venues, 0); err != nil {
			logger.Error().Err(err).Str("symbol", symbol).Msg("subscription failed")
		}
	}
}

// Run starts every component and blocks until ctx ends or a component fails
// fatally. Shutdown is the reverse of startup: the shared context cancels
// every loop, then backends close.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)
	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil && runCtx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// leaves first: feeds before consumers, supervisor and server last
	start("marketdata", a.Market.Run)
	start("orders", a.Manager.Run)
	start("compliance", a.Monitor.Run)
	start("supervisor", a.Supervisor.Run)
	start("http", a.Server.Run)

	a.logger.Info().Msg("control plane running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error().Err(runErr).Msg("component failed, shutting down")
	}
	cancel()
	wg.Wait()

	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("snapshot cache close failed")
		}
	}
	if err := a.Log.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("event log close failed")
	}
	a.logger.Info().Msg("control plane stopped")
	return runErr
}
