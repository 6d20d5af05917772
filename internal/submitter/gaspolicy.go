package submitter

import (
	"math"
	"math/big"

	"github.com/omnirelay/bounty-relayer/internal/config"
	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// FeeParams is what a single broadcast or replacement attempt needs: the
// gas limit and the EIP-1559 fee cap/tip for that attempt.
type FeeParams struct {
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// ComputeFees resolves one attempt's fee parameters from the chain's gas
// policy config, the chain's current base fee and suggested priority fee,
// and the priority fee actually used on the previous attempt (zero on the
// first). attempt is 0-indexed and only affects the base-fee headroom
// multiplier; the priority fee's replacement floor comes from
// lastAttemptPriorityFee directly, not from attempt.
func ComputeFees(
	cfg config.ChainConfig,
	kind relaytypes.OrderKind,
	gasEstimate uint64,
	baseFee, suggestedPriorityFee, lastAttemptPriorityFee *big.Int,
	attempt int,
) (FeeParams, error) {
	gasLimit := uint64(float64(gasEstimate) * (1 + cfg.GasLimitBuffer.Get(kind.String())))

	maxFeePerGas, err := maxFeePerGas(cfg, baseFee, attempt)
	if err != nil {
		return FeeParams{}, err
	}

	maxPriorityFeePerGas, err := maxPriorityFeePerGas(cfg, suggestedPriorityFee, lastAttemptPriorityFee)
	if err != nil {
		return FeeParams{}, err
	}

	return FeeParams{
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
	}, nil
}

func maxFeePerGas(cfg config.ChainConfig, baseFee *big.Int, attempt int) (*big.Int, error) {
	if cfg.MaxFeePerGas != nil {
		v, err := relaytypes.BigIntFromString(*cfg.MaxFeePerGas)
		if err != nil {
			return nil, err
		}
		return v.Int, nil
	}

	priorityMultiplier := 1 + math.Pow(cfg.PriorityAdjustmentFactor, float64(attempt))
	factor := (1 + cfg.GasPriceAdjustmentFactor) * priorityMultiplier
	fee := scale(orZeroBig(baseFee), factor)

	return capIfSet(fee, cfg.MaxAllowedGasPrice)
}

func maxPriorityFeePerGas(cfg config.ChainConfig, suggested, lastAttempt *big.Int) (*big.Int, error) {
	fromSuggested := scale(orZeroBig(suggested), cfg.MaxPriorityFeeAdjustmentFactor)
	fromReplacementFloor := scale(orZeroBig(lastAttempt), 1.125)

	fee := fromSuggested
	if fromReplacementFloor.Cmp(fee) > 0 {
		fee = fromReplacementFloor
	}

	return capIfSet(fee, cfg.MaxAllowedPriorityFeePerGas)
}

func capIfSet(fee *big.Int, limitStr string) (*big.Int, error) {
	if limitStr == "" {
		return fee, nil
	}
	limit, err := relaytypes.BigIntFromString(limitStr)
	if err != nil {
		return nil, err
	}
	if fee.Cmp(limit.Int) > 0 {
		return limit.Int, nil
	}
	return fee, nil
}

func scale(v *big.Int, factor float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(factor))
	result, _ := scaled.Int(nil)
	return result
}

func orZeroBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
