package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/omnirelay/bounty-relayer/internal/amb"
	"github.com/omnirelay/bounty-relayer/internal/amb/genericescrow"
	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/evaluator"
	"github.com/omnirelay/bounty-relayer/internal/getter"
	"github.com/omnirelay/bounty-relayer/internal/logging"
	"github.com/omnirelay/bounty-relayer/internal/orchestrator"
	"github.com/omnirelay/bounty-relayer/internal/pricing"
	"github.com/omnirelay/bounty-relayer/internal/relayerr"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
	"github.com/omnirelay/bounty-relayer/internal/statusserver"
	"github.com/omnirelay/bounty-relayer/internal/store"
	"github.com/omnirelay/bounty-relayer/internal/store/memstore"
	"github.com/omnirelay/bounty-relayer/internal/store/redisstore"
	"github.com/omnirelay/bounty-relayer/internal/telemetry"
	"github.com/omnirelay/bounty-relayer/internal/wallet"
)

// runRelayer builds every component named in the config file and runs
// until it receives SIGINT/SIGTERM; once the workers have started it does
// not return early on a worker's failure. A setup failure is returned as
// a *relayerr.Config or *relayerr.Fatal so main can translate it into the
// right exit code.
func runRelayer(cfg FileConfig) error {
	lggr, err := logging.New(logging.Config{Development: true})
	if err != nil {
		return &relayerr.Config{Field: "logger", Err: err}
	}

	kv, err := newStore(cfg.Store)
	if err != nil {
		return &relayerr.Config{Field: "store", Err: err}
	}

	metrics, meterProvider, metricsHandler, err := telemetry.NewPrometheusMetrics()
	if err != nil {
		return &relayerr.Config{Field: "telemetry", Err: err}
	}

	w, err := wallet.New(cfg.SigningKey, logging.Named(lggr, "wallet"), wallet.WithMetrics(metrics))
	if err != nil {
		return &relayerr.Config{Field: "signing_key", Err: err}
	}

	coinIDs := make(map[relaytypes.ChainID]string, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if chain.CoinGeckoID != "" {
			coinIDs[relaytypes.ChainID(chain.ChainID)] = chain.CoinGeckoID
		}
	}
	priceProvider := pricing.NewCoinGeckoProvider(cfg.Pricing.BaseURL, cfg.Pricing.APIKey, coinIDs)

	registry := statusserver.NewRegistry()
	statusHTTP := statusserver.NewServer(registry, logging.Named(lggr, "statusserver"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrators := make([]*orchestrator.Orchestrator, 0, len(cfg.Chains))
	priceCaches := make([]*pricing.Cache, 0, len(cfg.Chains))

	chainConfigs := make(map[relaytypes.ChainID]config.ChainConfig, len(cfg.Chains))
	for _, chainFile := range cfg.Chains {
		chainConfigs[relaytypes.ChainID(chainFile.ChainID)] = chainFile.toChainConfig()
	}

	for _, chainFile := range cfg.Chains {
		chainCfg := chainFile.toChainConfig()
		if err := chainCfg.Validate(); err != nil {
			return &relayerr.Config{Field: fmt.Sprintf("chains[chain_id=%d]", chainFile.ChainID), Err: err}
		}

		chainID := relaytypes.ChainID(chainFile.ChainID)
		counterpartyID := relaytypes.ChainID(chainFile.CounterpartyChainID)

		deliveryChainCfg, ok := chainConfigs[counterpartyID]
		if !ok {
			// The counterparty isn't itself a configured chain (this
			// relayer only submits on chainID); its gas config falls
			// back to chainCfg's own values.
			deliveryChainCfg = chainCfg
		}

		client, err := ethclient.DialContext(ctx, chainFile.RPCURL)
		if err != nil {
			return &relayerr.Fatal{Chain: string(chainCfg.ChainID), Err: fmt.Errorf("dial rpc: %w", err)}
		}

		w.AddChain(chainID, client, chainCfg.Confirmations, chainCfg.GetConfirmationTimeout(), chainCfg.GetInterval())

		adapter := genericescrow.New(amb.ChainAddresses{
			chainID:        gethcommon.HexToAddress(chainFile.EscrowAddress),
			counterpartyID: gethcommon.HexToAddress(chainFile.CounterpartyEscrowAddress),
		})

		priceCache := pricing.New(priceProvider, chainCfg.GetPriceCacheDuration(), chainCfg.PriceMaxTries, logging.Named(lggr, fmt.Sprintf("pricing.%s", chainCfg.ChainID)))
		priceCaches = append(priceCaches, priceCache)

		reward, err := buildRewardConfig(chainFile)
		if err != nil {
			return &relayerr.Config{Field: fmt.Sprintf("chains[chain_id=%d].reward", chainFile.ChainID), Err: err}
		}

		processingInterval, err := chainCfg.GetProcessingInterval()
		if err != nil {
			return &relayerr.Config{Field: fmt.Sprintf("chains[chain_id=%d].processing_interval", chainFile.ChainID), Err: err}
		}

		orch, err := orchestrator.New(
			orchestrator.WithChains(chainID, counterpartyID),
			orchestrator.WithStore(kv),
			orchestrator.WithGetter(client, getter.Config{
				Interval:      chainCfg.GetInterval(),
				BlockDelay:    chainCfg.BlockDelay,
				MaxBlocks:     chainCfg.MaxBlocks,
				StartingBlock: chainCfg.StartingBlock,
				StoppingBlock: chainCfg.StoppingBlock,
				RetryInterval: chainCfg.GetRetryInterval(),
			}),
			orchestrator.WithAdapter(adapter),
			orchestrator.WithGasEstimator(w),
			orchestrator.WithGasPriceOracle(w),
			orchestrator.WithPriceOracle(priceCache),
			orchestrator.WithReward(reward),
			orchestrator.WithTiming(chainCfg.GetNewOrdersDelay(), processingInterval),
			orchestrator.WithWallet(w, chainCfg, deliveryChainCfg),
			orchestrator.WithLogger(logging.Named(lggr, fmt.Sprintf("orchestrator.%s", chainCfg.ChainID))),
			orchestrator.WithMetrics(metrics),
			orchestrator.WithMonitor(registry),
		)
		if err != nil {
			return &relayerr.Config{Field: fmt.Sprintf("chains[chain_id=%d]", chainFile.ChainID), Err: err}
		}
		orchestrators = append(orchestrators, orch)
	}

	for _, orch := range orchestrators {
		if err := orch.Start(ctx); err != nil {
			return &relayerr.Fatal{Chain: "unknown", Err: fmt.Errorf("start orchestrator: %w", err)}
		}
	}

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: mountMetrics(statusHTTP, metricsHandler)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lggr.Errorw("status/metrics server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lggr.Infow("shutdown signal received, stopping relayer")

	for _, orch := range orchestrators {
		if err := orch.Close(); err != nil {
			lggr.Warnw("orchestrator failed to stop cleanly", "error", err)
		}
	}
	for _, pc := range priceCaches {
		pc.Stop()
	}
	_ = httpServer.Shutdown(context.Background())
	_ = telemetry.Shutdown(context.Background(), meterProvider)

	return nil
}

func buildRewardConfig(c ChainFileConfig) (evaluator.RewardConfig, error) {
	reward := evaluator.RewardConfig{
		RelativeMinDeliveryReward: c.RelativeMinDeliveryReward,
		RelativeMinAckReward:      c.RelativeMinAckReward,
	}
	if c.MinDeliveryReward != "" {
		v, err := relaytypes.BigIntFromString(c.MinDeliveryReward)
		if err != nil {
			return reward, fmt.Errorf("min_delivery_reward: %w", err)
		}
		reward.MinDeliveryReward = v
	} else {
		reward.MinDeliveryReward = relaytypes.NewBigInt(0)
	}
	if c.MinAckReward != "" {
		v, err := relaytypes.BigIntFromString(c.MinAckReward)
		if err != nil {
			return reward, fmt.Errorf("min_ack_reward: %w", err)
		}
		reward.MinAckReward = v
	} else {
		reward.MinAckReward = relaytypes.NewBigInt(0)
	}
	return reward, nil
}

func newStore(cfg StoreFileConfig) (store.KV, error) {
	if cfg.Backend != "redis" {
		return memstore.New(), nil
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis_url is required when store.backend is \"redis\"")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}
	return redisstore.New(redis.NewClient(opts)), nil
}

// mountMetrics puts the statusserver's chi router and the Prometheus
// scrape handler behind one listener, since both are meant to be
// reachable on the single PORT the CLI contract names.
func mountMetrics(statusHTTP *statusserver.Server, metricsHandler http.Handler) http.Handler {
	mux := chi.NewMux()
	mux.Mount("/", statusHTTP.Handler())
	mux.Handle("/metrics", metricsHandler)
	return mux
}
