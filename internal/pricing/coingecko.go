package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// weiPerUnit scales a fractional USD price into an integer common
// denomination fine-grained enough that gas-price comparisons downstream
// don't round two different chains to the same value.
const weiPerUnit = 1e18

// coinGeckoResponse models the "simple/price" endpoint's response shape:
// {"ethereum": {"usd": 3123.45}, "matic-network": {"usd": 0.71}}.
type coinGeckoResponse map[string]map[string]float64

// CoinGeckoProvider fetches a chain's native token price in USD from the
// CoinGecko simple price API and reports it scaled by weiPerUnit.
type CoinGeckoProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	coinIDs map[relaytypes.ChainID]string
}

// NewCoinGeckoProvider builds a provider. coinIDs maps each chain this
// relayer serves to its CoinGecko coin id (e.g. "ethereum", "matic-network");
// a chain missing from the map cannot be priced and FetchPrice returns an
// error for it.
func NewCoinGeckoProvider(baseURL, apiKey string, coinIDs map[relaytypes.ChainID]string) *CoinGeckoProvider {
	return &CoinGeckoProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		coinIDs: coinIDs,
	}
}

func (p *CoinGeckoProvider) FetchPrice(ctx context.Context, chainID relaytypes.ChainID) (*big.Int, error) {
	coinID, ok := p.coinIDs[chainID]
	if !ok {
		return nil, fmt.Errorf("coingecko: no coin id configured for chain %s", chainID)
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", p.baseURL, coinID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("coingecko: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko: request chain %s: %w", chainID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko: chain %s: HTTP status %d", chainID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coingecko: read response for chain %s: %w", chainID, err)
	}

	var parsed coinGeckoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("coingecko: decode response for chain %s: %w", chainID, err)
	}

	usd, ok := parsed[coinID]["usd"]
	if !ok {
		return nil, fmt.Errorf("coingecko: no usd price in response for chain %s", chainID)
	}

	scaled := new(big.Float).Mul(big.NewFloat(usd), big.NewFloat(weiPerUnit))
	price, _ := scaled.Int(nil)
	return price, nil
}
