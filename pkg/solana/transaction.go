package solana

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxSignaturesPerCall is the getSignatureStatuses batch limit of the RPC.
const maxSignaturesPerCall = 256

// Transaction status values, matching the liquidity_transactions table.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFinalized = "finalized"
	StatusFailed    = "failed"
)

// SignatureStatusRPC is the subset of *rpc.Client used to look up statuses.
type SignatureStatusRPC interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// StatusClient resolves transaction signatures to a status.
type StatusClient struct {
	rpc     SignatureStatusRPC
	limiter *rate.Limiter
}

// NewStatusClient wraps client and issues at most rps batch calls per
// second.
func NewStatusClient(client SignatureStatusRPC, rps int) *StatusClient {
	if rps <= 0 {
		rps = 5
	}
	return &StatusClient{rpc: client, limiter: rate.NewLimiter(rate.Limit(rps), rps)}
}

// NewRPCStatusClient connects to endpoint.
func NewRPCStatusClient(endpoint string, rps int) *StatusClient {
	return NewStatusClient(rpc.New(endpoint), rps)
}

// ConvertStatus maps a cluster signature status to a transaction status.
func ConvertStatus(s *rpc.SignatureStatusesResult) string {
	if s == nil {
		return StatusPending
	}
	if s.Err != nil {
		return StatusFailed
	}
	switch s.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return StatusFinalized
	case rpc.ConfirmationStatusConfirmed:
		return StatusConfirmed
	}
	return StatusPending
}

// Statuses looks up signatures in batches. Signatures the cluster has not
// seen, and malformed ones, are left out of the result.
func (c *StatusClient) Statuses(ctx context.Context, signatures []string) (map[string]string, error) {
	out := make(map[string]string, len(signatures))

	var valid []solana.Signature
	var names []string
	for _, s := range signatures {
		sig, err := solana.SignatureFromBase58(s)
		if err != nil {
			log.WithField("signature", s).Warn("skipping malformed transaction signature")
			continue
		}
		valid = append(valid, sig)
		names = append(names, s)
	}

	for start := 0; start < len(valid); start += maxSignaturesPerCall {
		end := start + maxSignaturesPerCall
		if end > len(valid) {
			end = len(valid)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return out, err
		}
		res, err := c.rpc.GetSignatureStatuses(ctx, true, valid[start:end]...)
		if err != nil {
			return out, fmt.Errorf("getSignatureStatuses: %w", err)
		}
		for i, status := range res.Value {
			if status == nil || start+i >= end {
				continue
			}
			out[names[start+i]] = ConvertStatus(status)
		}
	}
	return out, nil
}
