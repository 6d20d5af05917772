package main

import (
	"fmt"

	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/relayerr"
)

// FileConfig is the top-level shape cmd/relayer decodes a config file
// into. internal/config.ChainConfig only defines the per-chain shape and
// deliberately leaves loading to the caller (see its package doc); this
// struct is that caller, with mapstructure tags viper decodes directly.
type FileConfig struct {
	SigningKey string          `mapstructure:"signing_key"`
	Port       string          `mapstructure:"port"`
	Store      StoreFileConfig `mapstructure:"store"`
	Pricing    PricingFileConfig `mapstructure:"pricing"`
	Chains     []ChainFileConfig `mapstructure:"chains"`
}

// StoreFileConfig selects and configures the store.KV backend. Backend
// "redis" requires RedisURL; anything else (including empty) falls back
// to an in-process memstore, which does not survive a restart.
type StoreFileConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
}

// PricingFileConfig configures the CoinGecko price provider shared by
// every chain's Evaluator.
type PricingFileConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ChainFileConfig is one entry in the "chains" list: a chain this relayer
// runs an Orchestrator for, paired with the counterparty chain it
// relays to. Every internal/config.ChainConfig key from spec.md's
// configuration table has a home here.
type ChainFileConfig struct {
	ChainID             uint64 `mapstructure:"chain_id"`
	CounterpartyChainID uint64 `mapstructure:"counterparty_chain_id"`
	RPCURL              string `mapstructure:"rpc_url"`

	EscrowAddress             string `mapstructure:"escrow_address"`
	CounterpartyEscrowAddress string `mapstructure:"counterparty_escrow_address"`
	CoinGeckoID               string `mapstructure:"coingecko_id"`

	Interval      string  `mapstructure:"interval"`
	BlockDelay    uint64  `mapstructure:"block_delay"`
	MaxBlocks     *uint64 `mapstructure:"max_blocks"`
	StartingBlock *uint64 `mapstructure:"starting_block"`
	StoppingBlock *uint64 `mapstructure:"stopping_block"`
	RetryInterval string  `mapstructure:"retry_interval"`

	NewOrdersDelay         string `mapstructure:"new_orders_delay"`
	ProcessingInterval     string `mapstructure:"processing_interval"`
	MaxTries               int    `mapstructure:"max_tries"`
	MaxPendingTransactions int    `mapstructure:"max_pending_transactions"`
	Confirmations          uint64 `mapstructure:"confirmations"`
	ConfirmationTimeout    string `mapstructure:"confirmation_timeout"`
	BalanceUpdateInterval  int    `mapstructure:"balance_update_interval"`

	GasLimitBuffer map[string]float64 `mapstructure:"gas_limit_buffer"`

	MaxFeePerGas                   *string `mapstructure:"max_fee_per_gas"`
	MaxPriorityFeeAdjustmentFactor float64 `mapstructure:"max_priority_fee_adjustment_factor"`
	MaxAllowedPriorityFeePerGas    string  `mapstructure:"max_allowed_priority_fee_per_gas"`
	GasPriceAdjustmentFactor       float64 `mapstructure:"gas_price_adjustment_factor"`
	MaxAllowedGasPrice             string  `mapstructure:"max_allowed_gas_price"`
	PriorityAdjustmentFactor       float64 `mapstructure:"priority_adjustment_factor"`

	LowBalanceWarning     string `mapstructure:"low_balance_warning"`
	MinOperationalBalance string `mapstructure:"min_operational_balance"`

	MinDeliveryReward         string  `mapstructure:"min_delivery_reward"`
	RelativeMinDeliveryReward float64 `mapstructure:"relative_min_delivery_reward"`
	MinAckReward              string  `mapstructure:"min_ack_reward"`
	RelativeMinAckReward      float64 `mapstructure:"relative_min_ack_reward"`

	PriceCacheDuration string `mapstructure:"price_cache_duration"`
	PriceMaxTries      int    `mapstructure:"price_max_tries"`
}

// toChainConfig starts from config.Defaults and overlays every key the
// file actually set, mirroring the "defaults, then override" behavior
// internal/config.Defaults documents.
func (c ChainFileConfig) toChainConfig() config.ChainConfig {
	cc := config.Defaults()
	cc.ChainID = config.ChainIDConfig(fmt.Sprintf("%d", c.ChainID))
	cc.RPCURL = c.RPCURL
	cc.CounterpartyChainID = config.ChainIDConfig(fmt.Sprintf("%d", c.CounterpartyChainID))
	cc.BlockDelay = c.BlockDelay
	cc.MaxBlocks = c.MaxBlocks
	cc.StartingBlock = c.StartingBlock
	cc.StoppingBlock = c.StoppingBlock

	overlayString(&cc.Interval, c.Interval)
	overlayString(&cc.RetryInterval, c.RetryInterval)
	overlayString(&cc.NewOrdersDelay, c.NewOrdersDelay)
	overlayString(&cc.ProcessingInterval, c.ProcessingInterval)
	overlayString(&cc.ConfirmationTimeout, c.ConfirmationTimeout)
	overlayString(&cc.PriceCacheDuration, c.PriceCacheDuration)

	if c.MaxTries != 0 {
		cc.MaxTries = c.MaxTries
	}
	if c.MaxPendingTransactions != 0 {
		cc.MaxPendingTransactions = c.MaxPendingTransactions
	}
	if c.Confirmations != 0 {
		cc.Confirmations = c.Confirmations
	}
	if c.BalanceUpdateInterval != 0 {
		cc.BalanceUpdateInterval = c.BalanceUpdateInterval
	}
	if c.PriceMaxTries != 0 {
		cc.PriceMaxTries = c.PriceMaxTries
	}
	if len(c.GasLimitBuffer) > 0 {
		cc.GasLimitBuffer = c.GasLimitBuffer
	}

	cc.MaxFeePerGas = c.MaxFeePerGas
	cc.MaxPriorityFeeAdjustmentFactor = c.MaxPriorityFeeAdjustmentFactor
	cc.MaxAllowedPriorityFeePerGas = c.MaxAllowedPriorityFeePerGas
	cc.GasPriceAdjustmentFactor = c.GasPriceAdjustmentFactor
	cc.MaxAllowedGasPrice = c.MaxAllowedGasPrice
	cc.PriorityAdjustmentFactor = c.PriorityAdjustmentFactor
	cc.LowBalanceWarning = c.LowBalanceWarning
	cc.MinOperationalBalance = c.MinOperationalBalance
	cc.MinDeliveryReward = c.MinDeliveryReward
	cc.RelativeMinDeliveryReward = c.RelativeMinDeliveryReward
	cc.MinAckReward = c.MinAckReward
	cc.RelativeMinAckReward = c.RelativeMinAckReward

	return cc
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks every field cmd/relayer itself needs beyond what
// config.ChainConfig.Validate already covers (the signing key, and that
// at least one chain pair is configured), returning a *relayerr.Config
// on the first failure so main can map it to exit code 1.
func (f FileConfig) Validate() error {
	if f.SigningKey == "" {
		return &relayerr.Config{Field: "signing_key", Err: fmt.Errorf("required")}
	}
	if len(f.Chains) == 0 {
		return &relayerr.Config{Field: "chains", Err: fmt.Errorf("at least one chain must be configured")}
	}
	for _, chain := range f.Chains {
		cc := chain.toChainConfig()
		if err := cc.Validate(); err != nil {
			return &relayerr.Config{Field: fmt.Sprintf("chains[chain_id=%d]", chain.ChainID), Err: err}
		}
		if chain.EscrowAddress == "" {
			return &relayerr.Config{Field: "escrow_address", Err: fmt.Errorf("required for chain %d", chain.ChainID)}
		}
		if chain.CounterpartyEscrowAddress == "" {
			return &relayerr.Config{Field: "counterparty_escrow_address", Err: fmt.Errorf("required for chain %d", chain.ChainID)}
		}
	}
	return nil
}
