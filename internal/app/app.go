package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"yield-guard/internal/agent"
	"yield-guard/internal/aggregator"
	"yield-guard/internal/alerting"
	"yield-guard/internal/api"
	"yield-guard/internal/approval"
	"yield-guard/internal/audit"
	"yield-guard/internal/config"
	"yield-guard/internal/custody"
	"yield-guard/internal/decision"
	"yield-guard/internal/instruction"
	"yield-guard/internal/ratehistory"
	"yield-guard/internal/scheduler"
	"yield-guard/internal/service"
	"yield-guard/internal/source"
	"yield-guard/internal/storage"
	"yield-guard/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the wired components for one command invocation.
type runtime struct {
	store     *storage.Store
	client    *source.LazyClient
	history   *ratehistory.Store
	engine    *decision.Engine
	approvals *approval.Manager
	keys      *custody.Manager
	agent     *agent.Agent
}

func (r *runtime) Close() {
	if r.client != nil {
		r.client.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

func (a *App) historyOptions() ratehistory.Options {
	h := a.Config.History
	return ratehistory.Options{
		Retention:          h.Retention,
		MaxSamples:         h.MaxSamples,
		VelocityThreshold:  h.VelocityThreshold,
		VelocityHigh:       h.VelocityHigh,
		DeviationThreshold: h.DeviationThreshold,
		DeviationHigh:      h.DeviationHigh,
	}
}

func (a *App) newSources(client *source.LazyClient) ([]source.Source, error) {
	var caller ethereum.ContractCaller
	if a.Config.Ethereum.RPCURL != "" {
		caller = client
	} else {
		a.Logger.Warn().Msg("ethereum.rpc_url not configured; relying on fallback rates only")
	}

	sources := make([]source.Source, 0, len(a.Config.Sources))
	for _, sc := range a.Config.Sources {
		kind, err := source.ParseKind(sc.Kind)
		if err != nil {
			return nil, err
		}
		cfg := source.Config{Kind: kind, Contract: common.HexToAddress(sc.Contract)}
		if sc.Asset != "" {
			cfg.Asset = common.HexToAddress(sc.Asset)
		}
		protocol, err := source.NewProtocol(cfg)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		name := sc.Name
		if name == "" {
			name = sc.ID
		}
		sources = append(sources, source.Source{
			ID:          sc.ID,
			DisplayName: name,
			Kind:        kind,
			Reader:      source.NewOnChain(protocol, caller, a.Config.Ethereum.RequestTimeout),
		})
	}
	return sources, nil
}

func (a *App) newFallback() source.FallbackRates {
	fb := a.Config.Fallback
	if !fb.Enabled {
		return nil
	}
	pools := make(map[string]string)
	for _, sc := range a.Config.Sources {
		if sc.FallbackPool != "" {
			pools[sc.ID] = sc.FallbackPool
		}
	}
	if len(pools) == 0 {
		a.Logger.Info().Msg("no fallback pools mapped; fallback rates disabled")
		return nil
	}
	userAgent := fb.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return source.NewLlama(source.LlamaOptions{
		BaseURL:           fb.BaseURL,
		Timeout:           fb.Timeout,
		UserAgent:         userAgent,
		Pools:             pools,
		CacheTTL:          fb.CacheTTL,
		RequestsPerMinute: fb.RequestsPerMinute,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) masterKey() ([]byte, error) {
	c := a.Config.Custody
	switch {
	case c.MasterKey != "":
		return custody.ParseMasterKey(c.MasterKey)
	case c.DevSeed != "":
		a.Logger.Warn().Msg("using development master key derived from custody.dev_seed")
		return custody.DeriveDevelopmentMasterKey(c.DevSeed), nil
	}
	return nil, nil
}

func (a *App) newCustody(ctx context.Context, store *storage.Store) (*custody.Manager, error) {
	key, err := a.masterKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, nil
	}

	var keyStore custody.Store
	if store != nil {
		keyStore = store
	}
	m, err := custody.NewManager(key, keyStore, a.Logger)
	if err != nil {
		return nil, err
	}
	if _, err := m.Restore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// build wires every component. The caller must Close the runtime.
func (a *App) build(ctx context.Context) (*runtime, error) {
	cfg := a.Config
	rt := &runtime{}

	store, _, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.store = store
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	rt.client = source.NewLazyClient(cfg.Ethereum.RPCURL, a.Logger)
	sources, err := a.newSources(rt.client)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.history = ratehistory.New(a.historyOptions(), a.Logger)
	agg := aggregator.New(sources, a.newFallback(), rt.history, a.Logger)
	rt.engine = decision.New(agg, rt.history, decision.Options{
		MinDifferentialBps: cfg.Decision.MinDifferentialBps,
		UseTimeWeighted:    cfg.Decision.UseTimeWeighted,
		TWAPWindow:         cfg.Decision.TWAPWindow,
		DetectAnomalies:    cfg.Decision.DetectAnomalies,
		StaleAfter:         cfg.History.StaleAfter,
	}, a.Logger)

	var sink audit.Sink = audit.NewLogSink(a.Logger)
	var approvalStore approval.Store
	if store != nil {
		sink = audit.Multi{sink, store}
		if cfg.Approval.Persist {
			approvalStore = store
		}
	}
	threshold, err := config.ParseAmount(cfg.Approval.AutoExecuteThreshold)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.approvals = approval.NewManager(approval.Options{
		Timeout:              cfg.Approval.Timeout,
		AutoExecuteThreshold: threshold,
		BaseURL:              cfg.Approval.BaseURL,
		AssetDecimals:        cfg.Approval.AssetDecimals,
		AssetSymbol:          cfg.Approval.AssetSymbol,
	}, instruction.KeccakHasher{}, sink, approvalStore, a.Logger)

	rt.keys, err = a.newCustody(ctx, store)
	if err != nil {
		rt.Close()
		return nil, err
	}

	fee, err := config.ParseAmount(cfg.Decision.EstimatedFee)
	if err != nil {
		rt.Close()
		return nil, err
	}

	deps := agent.Deps{
		Engine:    rt.engine,
		Approvals: rt.approvals,
		Builder:   instruction.NewSequentialBuilder(cfg.Ethereum.ChainID, cfg.Execution.Validity),
		Hasher:    instruction.KeccakHasher{},
		Notifier:  a.newNotifier(),
		History:   rt.history,
	}
	if rt.keys != nil {
		deps.Keys = rt.keys
	}
	if cfg.Execution.RelayURL != "" {
		deps.Submitter = instruction.NewRelaySubmitter(cfg.Execution.RelayURL, cfg.Execution.RequestTimeout, a.Logger)
	}
	if store != nil {
		deps.Samples = store
	}

	rt.agent = agent.New(agent.Options{
		Vault:            cfg.Ethereum.Vault(),
		MoveFraction:     cfg.Decision.MoveFraction,
		EstimatedFee:     fee,
		PollInterval:     cfg.Execution.PollInterval,
		AwaitTimeout:     cfg.Execution.AwaitTimeout,
		HistoryRetention: cfg.History.Retention,
		SampleRetention:  cfg.Database.SampleRetention,
	}, deps, a.Logger)
	return rt, nil
}

// Run executes the long-running agent service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Ethereum.VaultAddress == "" {
		return errors.New("ethereum.vault_address 必须配置")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.approvals.Restore(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("failed to restore pending approvals")
	}
	if _, err := rt.agent.Warm(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("failed to warm rate history")
	}
	if rt.keys == nil {
		a.Logger.Info().Msg("custody not configured; every proposal needs human approval")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		CycleTimeout:   a.Config.Scheduler.CycleTimeout,
		RunImmediately: true,
	}, a.Logger)

	var listener service.Listener
	srvCfg := a.Config.Server
	if srvCfg.Enabled {
		listener = api.NewServer(rt.approvals, rt.agent, rt.agent, srvCfg.AllowedOrigins, a.Logger)
	} else {
		a.Logger.Warn().Msg("approval api disabled; human approvals can only be rejected or expire")
	}

	svc := service.New(sched, rt.agent, listener, service.ListenerConfig{
		Addr:         srvCfg.Addr,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
	}, a.Logger)

	a.Logger.Info().Str("vault", a.Config.Ethereum.Vault().Hex()).Int("sources", len(a.Config.Sources)).
		Msg("starting yieldguard agent")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("yieldguard agent stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Source    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// AuditOptions configure the audit command.
type AuditOptions struct {
	ProposalID string
	Limit      int
}

// KeyOptions configure session key generation.
type KeyOptions struct {
	ValidFor   time.Duration
	SpendLimit string
}
