package meteora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/pkg/utils"

	"github.com/mr-tron/base58"
)

const (
	DefaultSDKServiceURL = "http://localhost:3002"

	headerWallet    = "X-Wallet-Address"
	headerSignature = "X-Wallet-Signature"
	headerTimestamp = "X-Request-Timestamp"
)

// RequestSigner signs provider requests on behalf of the execution wallet
type RequestSigner interface {
	Address() string
	Sign(message []byte) []byte
}

// ProviderError is returned when the SDK service rejects or fails a call.
// It matches apperr.ErrExecution.
type ProviderError struct {
	Endpoint string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sdk service %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("sdk service %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == apperr.ErrExecution }

// PositionData is the live on-chain state of a DLMM position. Token and fee
// amounts are raw base-unit integers.
type PositionData struct {
	AmountX     json.Number `json:"amountX"`
	AmountY     json.Number `json:"amountY"`
	FeeX        json.Number `json:"feeX"`
	FeeY        json.Number `json:"feeY"`
	ValueUSD    utils.Float `json:"valueUSD"`
	FeesUSD     utils.Float `json:"feesUSD"`
	InRange     bool        `json:"inRange"`
	ActiveBinID utils.Int   `json:"activeBinId"`
	LowerBinID  utils.Int   `json:"lowerBinId"`
	UpperBinID  utils.Int   `json:"upperBinId"`
}

type CompoundResult struct {
	ClaimSignature string `json:"claimSignature"`
	AddSignature   string `json:"addSignature"`
	FeesCompounded struct {
		FeesX utils.Float `json:"feesX"`
		FeesY utils.Float `json:"feesY"`
	} `json:"feesCompounded"`
}

type OpenPositionRequest struct {
	PoolAddress string `json:"poolAddress"`
	LowerBinID  int    `json:"lowerBinId"`
	UpperBinID  int    `json:"upperBinId"`
	AmountX     string `json:"amountX"`
	AmountY     string `json:"amountY"`
	Strategy    string `json:"strategy,omitempty"`
}

type OpenPositionResult struct {
	PositionAddress string `json:"positionAddress"`
	Signature       string `json:"signature"`
}

// SDKClient talks to the Meteora SDK service, which builds and submits the
// DLMM transactions.
type SDKClient struct {
	baseURL    string
	signer     RequestSigner
	httpClient *http.Client
}

// NewSDKClient creates an execution provider client. signer may be nil, in
// which case requests are sent unsigned.
func NewSDKClient(baseURL string, timeout time.Duration, signer RequestSigner) *SDKClient {
	if baseURL == "" {
		baseURL = DefaultSDKServiceURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SDKClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type positionRef struct {
	PositionAddress string `json:"positionAddress"`
	PoolAddress     string `json:"poolAddress"`
}

func (c *SDKClient) GetPositionData(ctx context.Context, positionAddress, poolAddress string) (*PositionData, error) {
	var out PositionData
	if err := c.post(ctx, "/position/data", positionRef{positionAddress, poolAddress}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClosePosition removes all liquidity, claims fees and closes the position.
// It returns the transaction signature.
func (c *SDKClient) ClosePosition(ctx context.Context, positionAddress, poolAddress string) (string, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	if err := c.post(ctx, "/position/close", positionRef{positionAddress, poolAddress}, &out); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", &ProviderError{Endpoint: "/position/close", Status: http.StatusOK, Message: "empty signature"}
	}
	return out.Signature, nil
}

// CompoundPosition claims fees and adds them back as liquidity
func (c *SDKClient) CompoundPosition(ctx context.Context, positionAddress, poolAddress string) (*CompoundResult, error) {
	var out CompoundResult
	if err := c.post(ctx, "/position/compound", positionRef{positionAddress, poolAddress}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SDKClient) OpenPosition(ctx context.Context, req OpenPositionRequest) (*OpenPositionResult, error) {
	var out OpenPositionResult
	if err := c.post(ctx, "/position/open", req, &out); err != nil {
		return nil, err
	}
	if out.PositionAddress == "" {
		return nil, &ProviderError{Endpoint: "/position/open", Status: http.StatusOK, Message: "missing position address"}
	}
	return &out, nil
}

func (c *SDKClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Endpoint: "/health", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Endpoint: "/health", Status: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

func (c *SDKClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Endpoint: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Endpoint: path, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := "Unknown error"
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &ProviderError{Endpoint: path, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// sign attaches the wallet address and an ed25519 signature over
// timestamp + "." + body.
func (c *SDKClient) sign(req *http.Request, body []byte) {
	if c.signer == nil {
		return
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := append([]byte(ts+"."), body...)
	req.Header.Set(headerWallet, c.signer.Address())
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, base58.Encode(c.signer.Sign(msg)))
}
