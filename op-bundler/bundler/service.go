package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mantlenetworkio/mantle-bundler/op-bundler/chaincfg"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/daoracle"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/fees"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/history"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/metrics"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/pool"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/sender"
	"github.com/mantlenetworkio/mantle-bundler/op-bundler/sources"
	"github.com/mantlenetworkio/mantle-bundler/op-service/httputil"
	opmetrics "github.com/mantlenetworkio/mantle-bundler/op-service/metrics"
)

var ErrAlreadyStopped = errors.New("already stopped")

// Option customizes a BundlerService before it is initialized.
type Option func(bs *BundlerService)

// WithRegistries attaches the signature aggregators and submission proxies
// the bundler may bundle for. Without it both registries are empty.
func WithRegistries(aggregators *chaincfg.ContractRegistry[chaincfg.SignatureAggregator], proxies *chaincfg.ContractRegistry[chaincfg.SubmissionProxy]) Option {
	return func(bs *BundlerService) {
		bs.aggregators = aggregators
		bs.proxies = proxies
	}
}

// BundlerService wires the pool, the oracles, the history buffer and the
// dispatcher around a Scheduler and owns their lifecycles.
type BundlerService struct {
	Log     log.Logger
	Metrics metrics.Metricer
	Version string

	Chain      *chaincfg.Holder
	RPC        *rpc.Client
	Client     *ethclient.Client
	Pool       *pool.MemPool
	History    *history.Buffer
	Heads      *sources.HeadTracker
	Dispatcher *sender.Dispatcher

	driver *Scheduler

	aggregators *chaincfg.ContractRegistry[chaincfg.SignatureAggregator]
	proxies     *chaincfg.ContractRegistry[chaincfg.SubmissionProxy]

	chainSpecPath  string
	watchChainSpec bool

	historyStore  history.Store
	metricsSrv    *httputil.HTTPServer
	rejectionsSub event.Subscription

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup

	stopped atomic.Bool
}

func BundlerServiceFromCLIConfig(ctx context.Context, version string, cfg *CLIConfig, log log.Logger, opts ...Option) (*BundlerService, error) {
	var bs BundlerService
	for _, opt := range opts {
		opt(&bs)
	}
	if err := bs.initFromCLIConfig(ctx, version, cfg, log); err != nil {
		return nil, errors.Join(err, bs.Stop(ctx))
	}
	return &bs, nil
}

func (bs *BundlerService) initFromCLIConfig(ctx context.Context, version string, cfg *CLIConfig, log log.Logger) error {
	bs.Version = version
	bs.Log = log
	bs.bgCtx, bs.bgCancel = context.WithCancel(context.Background())

	bs.initMetrics(cfg)

	if err := bs.initChainSpec(cfg); err != nil {
		return fmt.Errorf("failed to load chain spec: %w", err)
	}
	if err := bs.initRPCClients(ctx, cfg); err != nil {
		return err
	}
	bs.initPool(cfg)
	if err := bs.initHistory(cfg); err != nil {
		return fmt.Errorf("failed to init block history: %w", err)
	}
	bs.initHeadTracker(cfg)
	if err := bs.initDispatcher(cfg); err != nil {
		return fmt.Errorf("failed to init dispatcher: %w", err)
	}
	if err := bs.initDriver(cfg); err != nil {
		return fmt.Errorf("failed to init driver: %w", err)
	}
	if err := bs.initMetricsServer(cfg); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	bs.Metrics.RecordInfo(bs.Version)
	bs.Metrics.RecordUp()
	return nil
}

func (bs *BundlerService) initMetrics(cfg *CLIConfig) {
	if cfg.MetricsConfig.Enabled {
		procName := "default"
		bs.Metrics = metrics.NewMetrics(procName)
	} else {
		bs.Metrics = metrics.NoopMetrics
	}
}

func (bs *BundlerService) initChainSpec(cfg *CLIConfig) error {
	spec, err := chaincfg.LoadFile(cfg.ChainSpecPath, cfg.ChainID)
	if err != nil {
		return err
	}
	if err := cfg.CheckChainSpec(spec); err != nil {
		return err
	}
	holder, err := chaincfg.NewHolder(spec.WithRegistries(bs.aggregators, bs.proxies))
	if err != nil {
		return err
	}
	bs.Chain = holder
	bs.chainSpecPath = cfg.ChainSpecPath
	bs.watchChainSpec = cfg.WatchChainSpec
	bs.Log.Info("Loaded chain spec", "chain", spec.ID, "name", spec.Name,
		"fee_oracle", spec.PriorityFeeOracleType, "da_oracle", spec.DAGasOracleType)
	return nil
}

func (bs *BundlerService) initRPCClients(ctx context.Context, cfg *CLIConfig) error {
	rpcClient, err := rpc.DialContext(ctx, cfg.L2EthRpc)
	if err != nil {
		return fmt.Errorf("failed to dial rpc: %w", err)
	}
	bs.RPC = rpcClient
	bs.Client = ethclient.NewClient(rpcClient)

	chainID, err := bs.Client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch chain id: %w", err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != cfg.ChainID {
		return fmt.Errorf("rpc serves chain %v, configured for chain %d", chainID, cfg.ChainID)
	}
	return nil
}

func (bs *BundlerService) initPool(cfg *CLIConfig) {
	bs.Pool = pool.NewMemPool(bs.Log.New("module", "pool"), cfg.PoolTTL)

	rejections := make(chan pool.Rejection, 64)
	bs.rejectionsSub = bs.Pool.SubscribeRejections(rejections)
	bs.bgWg.Add(1)
	go func() {
		defer bs.bgWg.Done()
		for {
			select {
			case r := <-rejections:
				bs.Log.Warn("Dropped operation", "op", r.ID, "reason", r.Reason)
			case <-bs.rejectionsSub.Err():
				return
			case <-bs.bgCtx.Done():
				return
			}
		}
	}()
}

func (bs *BundlerService) initHistory(cfg *CLIConfig) error {
	if cfg.HistoryDir != "" {
		store, err := history.OpenPebbleStore(cfg.HistoryDir)
		if err != nil {
			return err
		}
		bs.historyStore = store
	} else {
		bs.historyStore = history.NewMemoryStore()
	}
	buf, err := history.NewBuffer(bs.Log.New("module", "history"), bs.Metrics, bs.Chain.Get().ChainHistorySize, bs.historyStore)
	if err != nil {
		return err
	}
	bs.History = buf
	return nil
}

func (bs *BundlerService) initHeadTracker(cfg *CLIConfig) {
	bs.Heads = sources.NewHeadTracker(bs.Log.New("module", "heads"), bs.Metrics, bs.Client, sources.HeadTrackerConfig{
		PollInterval: cfg.PollInterval,
		MaxDepth:     cfg.MaxReorgDepth,
		EntryPoints: func() []common.Address {
			spec := bs.Chain.Get()
			return []common.Address{spec.EntryPointV0_6, spec.EntryPointV0_7}
		},
	})
	// resume from the persisted window so a restart does not republish it
	bs.Heads.Seed(bs.History.Entries())
}

func (bs *BundlerService) initDispatcher(cfg *CLIConfig) error {
	channelCfg, err := cfg.ChannelConfig()
	if err != nil {
		return err
	}
	channels, err := sender.ChannelsFromSpec(bs.Chain.Get(), channelCfg, bs.RPC)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		bs.Log.Info("Enabled submission channel", "channel", ch.Name())
	}
	bs.Dispatcher = sender.NewDispatcher(bs.Log.New("module", "dispatcher"), bs.Metrics, channels, bs.History, cfg.DispatcherConfig())
	return nil
}

func (bs *BundlerService) initDriver(cfg *CLIConfig) error {
	key, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	txs := sender.NewTxBuilder(key, new(big.Int).SetUint64(cfg.ChainID), bs.Client)

	feeOracle := fees.NewOracle(bs.Log.New("module", "fees"), bs.Metrics,
		sources.NewFeeSource(bs.Client, cfg.FeeHistoryBlocks),
		fees.OracleConfig{
			Timeout:      cfg.FeeTimeout,
			TTL:          cfg.FeeTTL,
			MaxStaleness: cfg.FeeMaxStaleness,
		})
	daOracle, err := daoracle.NewOracle(bs.Log.New("module", "da"), bs.Metrics, bs.RPC, daoracle.Config{
		Timeout:        cfg.DATimeout,
		CacheSize:      cfg.DACacheSize,
		MaxStaleBlocks: cfg.DAMaxStaleBlocks,
	})
	if err != nil {
		return err
	}

	bs.driver = NewScheduler(DriverSetup{
		Log:        bs.Log.New("module", "scheduler"),
		Metr:       bs.Metrics,
		Config:     cfg.SchedulerConfig(),
		Chain:      bs.Chain,
		Pool:       bs.Pool,
		Fees:       feeOracle,
		DA:         daOracle,
		Txs:        txs,
		Dispatcher: bs.Dispatcher,
		Blocks:     bs.Heads,
	})
	bs.Log.Info("Initialized scheduler", "signer", txs.From(), "beneficiary", bs.driver.beneficiary())
	return nil
}

func (bs *BundlerService) initMetricsServer(cfg *CLIConfig) error {
	if !cfg.MetricsConfig.Enabled {
		bs.Log.Info("metrics disabled")
		return nil
	}
	m, ok := bs.Metrics.(opmetrics.RegistryMetricer)
	if !ok {
		return fmt.Errorf("metrics were enabled, but metricer %T does not expose registry for metrics-server", bs.Metrics)
	}
	bs.Log.Debug("starting metrics server", "addr", cfg.MetricsConfig.ListenAddr, "port", cfg.MetricsConfig.ListenPort)
	metricsSrv, err := opmetrics.StartServer(m.Registry(), cfg.MetricsConfig.ListenAddr, cfg.MetricsConfig.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	bs.Log.Info("started metrics server", "addr", metricsSrv.Addr())
	bs.metricsSrv = metricsSrv
	return nil
}

func (bs *BundlerService) Start(ctx context.Context) error {
	// subscribe before the first block is published
	if err := bs.driver.Start(); err != nil {
		return err
	}
	bs.Heads.Start(bs.bgCtx)

	if bs.watchChainSpec {
		bs.bgWg.Add(1)
		go func() {
			defer bs.bgWg.Done()
			if err := bs.Chain.Watch(bs.bgCtx, bs.chainSpecPath, bs.Log); err != nil {
				bs.Log.Error("Chain spec watcher stopped", "err", err)
			}
		}()
	}
	return nil
}

func (bs *BundlerService) Stopped() bool {
	return bs.stopped.Load()
}

func (bs *BundlerService) Kill() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return bs.Stop(ctx)
}

func (bs *BundlerService) Stop(ctx context.Context) error {
	if bs.Stopped() {
		return ErrAlreadyStopped
	}
	bs.Log.Info("stopping bundler")

	var result error
	if bs.Heads != nil {
		bs.Heads.Stop()
	}
	if bs.driver != nil {
		if err := bs.driver.Stop(); err != nil && !errors.Is(err, ErrSchedulerNotRunning) {
			result = errors.Join(result, fmt.Errorf("failed to stop scheduler: %w", err))
		}
	}
	if bs.Dispatcher != nil {
		bs.Dispatcher.Close()
	}

	if bs.rejectionsSub != nil {
		bs.rejectionsSub.Unsubscribe()
	}
	if bs.bgCancel != nil {
		bs.bgCancel()
	}
	bs.bgWg.Wait()

	if bs.historyStore != nil {
		if err := bs.historyStore.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to close history store: %w", err))
		}
	}

	if bs.metricsSrv != nil {
		if err := bs.metricsSrv.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}

	if bs.Client != nil {
		bs.Client.Close()
	}

	if result == nil {
		bs.stopped.Store(true)
		bs.Log.Info("stopped bundler")
	}
	return result
}

func (bs *BundlerService) Driver() *Scheduler {
	return bs.driver
}
