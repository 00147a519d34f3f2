package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	jupiterQuoteURL = "https://lite-api.jup.ag/swap/v1/quote"

	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	// 1 SOL in lamports
	oneSOL = "1000000000"
)

// JupiterQuoteResponse is the subset of the quote response we read
type JupiterQuoteResponse struct {
	InputMint      string      `json:"inputMint"`
	InAmount       string      `json:"inAmount"`
	OutputMint     string      `json:"outputMint"`
	OutAmount      string      `json:"outAmount"`
	SlippageBps    int         `json:"slippageBps"`
	PriceImpactPct string      `json:"priceImpactPct"`
	RoutePlan      []RoutePlan `json:"routePlan"`
	SwapUsdValue   string      `json:"swapUsdValue"`
}

// RoutePlan represents a route plan in the Jupiter response
type RoutePlan struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

// SwapInfo represents swap information in a route plan
type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
}

// token price cache (in-memory)
type tokenPriceCacheEntry struct {
	price     float64
	updatedAt time.Time
}

// JupiterClient quotes swaps on Jupiter and derives USD prices from them.
// The last good price per mint is kept as a fallback.
type JupiterClient struct {
	quoteURL   string
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]tokenPriceCacheEntry
}

func NewJupiterClient(quoteURL string, timeout time.Duration) *JupiterClient {
	if quoteURL == "" {
		quoteURL = jupiterQuoteURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JupiterClient{
		quoteURL:   quoteURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[string]tokenPriceCacheEntry),
	}
}

// GetSwapResult retrieves a swap quote from Jupiter
func (j *JupiterClient) GetSwapResult(ctx context.Context, inputMint, outputMint, amount string, slippageBps int) (*JupiterQuoteResponse, error) {
	params := url.Values{}
	params.Add("inputMint", inputMint)
	params.Add("outputMint", outputMint)
	params.Add("amount", amount)
	params.Add("slippageBps", strconv.Itoa(slippageBps))
	params.Add("restrictIntermediateTokens", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.quoteURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}

	var quoteResponse JupiterQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quoteResponse); err != nil {
		return nil, fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return &quoteResponse, nil
}

// GetSOLPrice returns the USD price of 1 SOL, quoted as SOL -> USDC.
// Returns: price, useCached, error
func (j *JupiterClient) GetSOLPrice(ctx context.Context) (float64, bool, error) {
	quote, err := j.GetSwapResult(ctx, solMint, usdcMint, oneSOL, 50)
	if err == nil {
		out := ParseFloat(quote.OutAmount)
		if out > 0 {
			// USDC has 6 decimals
			price := out / 1e6
			j.mu.Lock()
			j.cache[solMint] = tokenPriceCacheEntry{price: price, updatedAt: time.Now()}
			j.mu.Unlock()
			return price, false, nil
		}
		err = fmt.Errorf("empty outAmount %q", quote.OutAmount)
	}

	// fallback to cached price if available
	j.mu.RLock()
	entry, ok := j.cache[solMint]
	j.mu.RUnlock()
	if ok {
		return entry.price, true, nil
	}
	return 0, false, fmt.Errorf("failed to get SOL price and no cached price: %w", err)
}
