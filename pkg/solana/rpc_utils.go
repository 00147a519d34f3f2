package solana

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

// RPCCheckResult represents the result of checking an RPC endpoint
type RPCCheckResult struct {
	URL     string        `json:"url"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckRPC calls getHealth on url.
func CheckRPC(ctx context.Context, url string, timeout time.Duration) RPCCheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	health, err := rpc.New(url).GetHealth(ctx)
	res := RPCCheckResult{URL: url, Latency: time.Since(start)}
	switch {
	case err != nil:
		res.Error = err.Error()
	case health != rpc.HealthOk:
		res.Error = "unhealthy: " + health
	default:
		res.OK = true
	}
	return res
}
