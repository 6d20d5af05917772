// Package config defines the per-chain configuration surface: a flat
// toml-tagged struct with a Validate method and fallback-parsing duration
// accessors. Loading the struct from disk (file discovery, env overlay,
// secrets) is left to the caller; this package only defines the shape and
// validates it. cmd/relayer wires spf13/viper on top.
package config

import (
	"fmt"
	"time"
)

// GasLimitBuffer maps an order kind ("delivery", "ack") to a fractional
// buffer applied over the raw gas estimate, with "default" as fallback
// for order kinds without a specific entry.
type GasLimitBuffer map[string]float64

// Get resolves the buffer for an order kind, falling back to "default",
// and finally to 0 if neither is configured.
func (b GasLimitBuffer) Get(orderKind string) float64 {
	if v, ok := b[orderKind]; ok {
		return v
	}
	if v, ok := b["default"]; ok {
		return v
	}
	return 0
}

// ChainConfig holds every per-chain configuration key the relayer reads.
type ChainConfig struct {
	ChainID ChainIDConfig `toml:"chain_id"`
	RPCURL  string        `toml:"rpc_url"`

	// CounterpartyChainID is the other side of this chain's bridge pair: the
	// destination a BountyPlaced observed here is delivered to, and the
	// origin an ack observed here is sent back to. A worker only ever
	// relays between ChainID and CounterpartyChainID.
	CounterpartyChainID ChainIDConfig `toml:"counterparty_chain_id"`

	// Getter
	Interval       string `toml:"interval"`
	BlockDelay     uint64 `toml:"block_delay"`
	MaxBlocks      *uint64 `toml:"max_blocks"` // nil = unbounded window
	StartingBlock  *uint64 `toml:"starting_block"`
	StoppingBlock  *uint64 `toml:"stopping_block"`
	RetryInterval  string `toml:"retry_interval"`

	// Orchestrator / Submitter
	NewOrdersDelay         string `toml:"new_orders_delay"`
	ProcessingInterval     string `toml:"processing_interval"`
	MaxTries               int    `toml:"max_tries"`
	MaxPendingTransactions int    `toml:"max_pending_transactions"`
	Confirmations          uint64 `toml:"confirmations"`
	ConfirmationTimeout    string `toml:"confirmation_timeout"`
	BalanceUpdateInterval  int    `toml:"balance_update_interval"`

	GasLimitBuffer GasLimitBuffer `toml:"gas_limit_buffer"`

	// Gas policy
	MaxFeePerGas                  *string `toml:"max_fee_per_gas"`
	MaxPriorityFeeAdjustmentFactor float64 `toml:"max_priority_fee_adjustment_factor"`
	MaxAllowedPriorityFeePerGas    string  `toml:"max_allowed_priority_fee_per_gas"`
	GasPriceAdjustmentFactor       float64 `toml:"gas_price_adjustment_factor"`
	MaxAllowedGasPrice             string  `toml:"max_allowed_gas_price"`
	PriorityAdjustmentFactor       float64 `toml:"priority_adjustment_factor"`

	LowBalanceWarning     string `toml:"low_balance_warning"`
	MinOperationalBalance string `toml:"min_operational_balance"`

	// Evaluator
	MinDeliveryReward         string `toml:"min_delivery_reward"`
	RelativeMinDeliveryReward float64 `toml:"relative_min_delivery_reward"`
	MinAckReward              string `toml:"min_ack_reward"`
	RelativeMinAckReward      float64 `toml:"relative_min_ack_reward"`

	// Pricing
	PriceCacheDuration string `toml:"price_cache_duration"`
	PriceMaxTries      int    `toml:"price_max_tries"`
}

// ChainIDConfig is a string so config files may express either a decimal
// chain ID or a symbolic name resolved by the AMB adapter.
type ChainIDConfig string

// Defaults returns the configuration a chain runs with when a key is left
// unset in its config file.
func Defaults() ChainConfig {
	return ChainConfig{
		Interval:               "1s",
		RetryInterval:          "2000ms",
		NewOrdersDelay:         "0ms",
		ProcessingInterval:     "100ms",
		MaxTries:               3,
		MaxPendingTransactions: 1000,
		Confirmations:          1,
		ConfirmationTimeout:    "600000ms",
		BalanceUpdateInterval:  50,
		GasLimitBuffer:         GasLimitBuffer{"default": 0},
		PriceCacheDuration:     "30s",
		PriceMaxTries:          3,
	}
}

// Validate enforces the required fields and cross-field constraints. A
// worker whose config fails validation must not start.
func (c *ChainConfig) Validate() error {
	if c.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if c.CounterpartyChainID == "" {
		return fmt.Errorf("counterparty_chain_id is required")
	}
	if c.MaxTries <= 0 {
		return fmt.Errorf("max_tries must be positive, got %d", c.MaxTries)
	}
	if c.MaxPendingTransactions <= 0 {
		return fmt.Errorf("max_pending_transactions must be positive, got %d", c.MaxPendingTransactions)
	}
	if c.MaxBlocks != nil && *c.MaxBlocks == 0 {
		return fmt.Errorf("max_blocks, if set, must be positive (nil means unbounded)")
	}
	if _, err := c.GetProcessingInterval(); err != nil {
		return fmt.Errorf("processing_interval: %w", err)
	}
	return nil
}

func parseDurationOrDefault(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (c *ChainConfig) GetInterval() time.Duration {
	return parseDurationOrDefault(c.Interval, time.Second)
}

func (c *ChainConfig) GetRetryInterval() time.Duration {
	return parseDurationOrDefault(c.RetryInterval, 2*time.Second)
}

func (c *ChainConfig) GetNewOrdersDelay() time.Duration {
	return parseDurationOrDefault(c.NewOrdersDelay, 0)
}

func (c *ChainConfig) GetProcessingInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.ProcessingInterval)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func (c *ChainConfig) GetConfirmationTimeout() time.Duration {
	return parseDurationOrDefault(c.ConfirmationTimeout, 10*time.Minute)
}

func (c *ChainConfig) GetPriceCacheDuration() time.Duration {
	return parseDurationOrDefault(c.PriceCacheDuration, 30*time.Second)
}
