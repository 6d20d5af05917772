package wallet

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// CheckBalance fetches the wallet's current native-token balance on chain
// and updates the two threshold flags a caller can act on: a log-once-
// per-crossing warning below warnThreshold, and the cached
// belowMinOperational flag OperationalBalanceOK reads. Either threshold
// may be nil to skip that check. Grounded on the low-balance tick check
// in the pricer's EvmChain.Tick, generalized here from a plain balance
// log into an actual once-per-crossing comparison plus a hard cutoff.
func (w *Wallet) CheckBalance(ctx context.Context, chain relaytypes.ChainID, warnThreshold, minOperational *big.Int) (*big.Int, error) {
	cs, ok := w.chainFor(chain)
	if !ok {
		return nil, fmt.Errorf("wallet: no client configured for chain %s", chain)
	}

	start := time.Now()
	balance, err := cs.client.BalanceAt(ctx, w.from, nil)
	w.recordRPC(ctx, chain, "BalanceAt", start)
	if err != nil {
		return nil, err
	}

	if warnThreshold != nil {
		// A balance exactly at warnThreshold counts as below it: the
		// warning fires on the crossing itself, not only once it's
		// strictly cleared.
		below := balance.Cmp(warnThreshold) <= 0
		wasBelow := cs.warnedLowBalance.Swap(below)
		if below && !wasBelow {
			w.lggr.Warnw("wallet: balance below configured threshold", "chain", chain, "address", w.from, "balance", balance, "threshold", warnThreshold)
		}
	}

	if minOperational != nil {
		cs.belowMinOperational.Store(balance.Cmp(minOperational) < 0)
	}

	return balance, nil
}

// OperationalBalanceOK reports whether chain's wallet balance was at or
// above minOperationalBalance as of the last CheckBalance call. A chain
// CheckBalance has never run against reads true, so Submit isn't blocked
// before the watchdog's first pass.
func (w *Wallet) OperationalBalanceOK(chain relaytypes.ChainID) bool {
	cs, ok := w.chainFor(chain)
	if !ok {
		return true
	}
	return !cs.belowMinOperational.Load()
}
