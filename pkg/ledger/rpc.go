package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// zstdDecoder is shared by every client; DecodeAll is safe for concurrent use.
var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// RPCClient provides JSON-RPC and pubsub access to a single venue.
type RPCClient struct {
	config     *Config
	endpoint   string
	httpClient *http.Client
	requestID  atomic.Uint64
	logger     zerolog.Logger

	// Subscription lifecycle
	closed        atomic.Bool
	cancel        context.CancelFunc
	baseCtx       context.Context
	activeStreams sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

var _ Transport = (*RPCClient)(nil)

// Option configures an RPCClient.
type Option func(*RPCClient)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *RPCClient) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *RPCClient) {
		c.httpClient = hc
	}
}

// NewRPCClient creates a new RPC client for the venue described by cfg.
func NewRPCClient(cfg *Config, opts ...Option) (*RPCClient, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RPCClient{
		config:   cfg,
		endpoint: cfg.RPCEndpoint,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger:  zerolog.Nop(),
		cancel:  cancel,
		baseCtx: ctx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("venue", string(cfg.Venue)).Logger()
	return c, nil
}

// Venue implements Transport.
func (c *RPCClient) Venue() Venue {
	return c.config.Venue
}

// Config returns the validated configuration.
func (c *RPCClient) Config() *Config {
	return c.config
}

// rpcRequest represents a JSON-RPC request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call makes a JSON-RPC call. Failures to reach the node come back as
// *TransportError; errors reported by the node come back as *rpcError.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, c.transportErr(method, ErrClosed)
	}
	reqID := c.requestID.Add(1)
	c.incrementRequests()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.incrementErrors()
		return nil, c.transportErr(method, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.incrementErrors()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.transportErr(method, fmt.Errorf("http status %d: %s", resp.StatusCode, string(bodyBytes)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		c.incrementErrors()
		return nil, c.transportErr(method, fmt.Errorf("decode response: %w", err))
	}

	if rpcResp.Error != nil {
		c.incrementErrors()
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func (c *RPCClient) transportErr(op string, err error) *TransportError {
	return &TransportError{Venue: c.config.Venue, Op: op, Err: err}
}

// asTransport turns node-reported errors into transport errors for read paths.
func (c *RPCClient) asTransport(op string, err error) error {
	var rerr *rpcError
	if errors.As(err, &rerr) {
		return c.transportErr(op, rerr)
	}
	return err
}

func (c *RPCClient) commitmentParam() map[string]interface{} {
	return map[string]interface{}{"commitment": string(c.config.Commitment)}
}

// GetSlot returns the current slot.
func (c *RPCClient) GetSlot(ctx context.Context) (types.Slot, error) {
	result, err := c.call(ctx, "getSlot", []interface{}{c.commitmentParam()})
	if err != nil {
		return 0, c.asTransport("getSlot", err)
	}

	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("unmarshal slot: %w", err)
	}
	c.setLastSlot(types.Slot(slot))
	return types.Slot(slot), nil
}

// GetLatestBlockhash returns the latest blockhash.
func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []interface{}{c.commitmentParam()})
	if err != nil {
		return types.ZeroHash, 0, c.asTransport("getLatestBlockhash", err)
	}

	var resp struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return types.ZeroHash, 0, fmt.Errorf("unmarshal blockhash response: %w", err)
	}

	hash, err := types.HashFromBase58(resp.Value.Blockhash)
	if err != nil {
		return types.ZeroHash, 0, fmt.Errorf("parse blockhash: %w", err)
	}

	return hash, resp.Value.LastValidBlockHeight, nil
}

// accountValue is the account object shared by getAccountInfo and
// accountNotification.
type accountValue struct {
	Data       []string `json:"data"` // [data, encoding]
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

func (v *accountValue) toAccount() (*types.Account, error) {
	owner, err := types.PubkeyFromBase58(v.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	var data []byte
	if len(v.Data) > 0 && v.Data[0] != "" {
		encoding := EncodingBase64
		if len(v.Data) > 1 {
			encoding = v.Data[1]
		}
		data, err = decodeAccountData(v.Data[0], encoding)
		if err != nil {
			return nil, err
		}
	}
	return &types.Account{
		Lamports:   types.Lamports(v.Lamports),
		Data:       data,
		Owner:      owner,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
	}, nil
}

func decodeAccountData(payload, encoding string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	switch encoding {
	case EncodingBase64:
		return raw, nil
	case EncodingBase64Zstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		data, err := dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress account data: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported account encoding %q", encoding)
	}
}

// GetAccountInfo returns account information, or nil if the account does not exist.
func (c *RPCClient) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*types.Account, error) {
	account, _, err := c.getAccount(ctx, pubkey)
	return account, err
}

// getAccount fetches an account together with the slot it was read at.
func (c *RPCClient) getAccount(ctx context.Context, pubkey types.Pubkey) (*types.Account, types.Slot, error) {
	result, err := c.call(ctx, "getAccountInfo", []interface{}{
		pubkey.String(),
		map[string]interface{}{
			"encoding":   c.config.Encoding,
			"commitment": string(c.config.Commitment),
		},
	})
	if err != nil {
		return nil, 0, c.asTransport("getAccountInfo", err)
	}

	var resp struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value *accountValue `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, 0, fmt.Errorf("unmarshal account info: %w", err)
	}
	slot := types.Slot(resp.Context.Slot)
	c.setLastSlot(slot)

	if resp.Value == nil {
		return nil, slot, nil // Account doesn't exist
	}
	account, err := resp.Value.toAccount()
	return account, slot, err
}

// GetBalance returns the lamport balance of pubkey.
func (c *RPCClient) GetBalance(ctx context.Context, pubkey types.Pubkey) (types.Lamports, error) {
	result, err := c.call(ctx, "getBalance", []interface{}{pubkey.String(), c.commitmentParam()})
	if err != nil {
		return 0, c.asTransport("getBalance", err)
	}
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, fmt.Errorf("unmarshal balance: %w", err)
	}
	return types.Lamports(resp.Value), nil
}

// RequestAirdrop asks a test venue for lamports.
func (c *RPCClient) RequestAirdrop(ctx context.Context, pubkey types.Pubkey, lamports types.Lamports) (types.Signature, error) {
	result, err := c.call(ctx, "requestAirdrop", []interface{}{pubkey.String(), uint64(lamports), c.commitmentParam()})
	if err != nil {
		return types.ZeroSignature, c.asTransport("requestAirdrop", err)
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return types.ZeroSignature, fmt.Errorf("unmarshal signature: %w", err)
	}
	return types.SignatureFromBase58(sig)
}

// preflightData is the data of a -32002 error.
type preflightData struct {
	Err  *TransactionError `json:"err"`
	Logs []string          `json:"logs"`
}

// SendTransaction submits a signed transaction. Submission is never retried.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error) {
	wire, err := tx.Serialize()
	if err != nil {
		return types.ZeroSignature, fmt.Errorf("serialize transaction: %w", err)
	}

	result, err := c.call(ctx, "sendTransaction", []interface{}{
		base64.StdEncoding.EncodeToString(wire),
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       c.config.SkipPreflight,
			"preflightCommitment": string(c.config.Commitment),
			"maxRetries":          0,
		},
	})
	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) && (rerr.Code == rpcCodeSendTxPreflightFailure || rerr.Code == rpcCodeSigVerifyFailure) {
			rej := &RejectionError{
				Venue:     c.config.Venue,
				Signature: tx.ID(),
				Code:      rerr.Code,
				Message:   rerr.Message,
			}
			var data preflightData
			if len(rerr.Data) > 0 && json.Unmarshal(rerr.Data, &data) == nil {
				rej.Tx = data.Err
				rej.Logs = data.Logs
			}
			return types.ZeroSignature, rej
		}
		return types.ZeroSignature, c.asTransport("sendTransaction", err)
	}

	var sigStr string
	if err := json.Unmarshal(result, &sigStr); err != nil {
		return types.ZeroSignature, fmt.Errorf("unmarshal signature: %w", err)
	}
	sig, err := types.SignatureFromBase58(sigStr)
	if err != nil {
		return types.ZeroSignature, fmt.Errorf("parse signature: %w", err)
	}
	return sig, nil
}

// GetSignatureStatuses returns the status of each signature; entries are nil
// for signatures the venue has not seen.
func (c *RPCClient) GetSignatureStatuses(ctx context.Context, sigs ...types.Signature) ([]*SignatureStatus, error) {
	encoded := make([]string, len(sigs))
	for i, s := range sigs {
		encoded[i] = s.String()
	}
	result, err := c.call(ctx, "getSignatureStatuses", []interface{}{
		encoded,
		map[string]interface{}{"searchTransactionHistory": false},
	})
	if err != nil {
		return nil, c.asTransport("getSignatureStatuses", err)
	}

	var resp struct {
		Value []*struct {
			Slot               uint64            `json:"slot"`
			Confirmations      *uint64           `json:"confirmations"`
			Err                *TransactionError `json:"err"`
			ConfirmationStatus string            `json:"confirmationStatus"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal signature statuses: %w", err)
	}

	statuses := make([]*SignatureStatus, len(resp.Value))
	for i, v := range resp.Value {
		if v == nil {
			continue
		}
		statuses[i] = &SignatureStatus{
			Slot:               types.Slot(v.Slot),
			Confirmations:      v.Confirmations,
			ConfirmationStatus: Commitment(v.ConfirmationStatus),
			Err:                v.Err,
		}
	}
	return statuses, nil
}

// ConfirmTransaction polls the signature status until it reaches the
// configured commitment. A failed transaction yields a *RejectionError.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, sig types.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.ConfirmPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		statuses, err := c.GetSignatureStatuses(ctx, sig)
		switch {
		case err != nil:
			lastErr = err
			c.logger.Debug().Err(err).Stringer("signature", sig).Msg("signature status poll failed")
		case len(statuses) == 1 && statuses[0] != nil:
			st := statuses[0]
			if st.Err != nil {
				return &RejectionError{
					Venue:     c.config.Venue,
					Signature: sig,
					Tx:        st.Err,
				}
			}
			if st.reached(c.config.Commitment) {
				c.setLastSlot(st.Slot)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if lastErr != nil {
					return c.transportErr("confirmTransaction", fmt.Errorf("%w: %w", ErrConfirmTimeout, lastErr))
				}
				return c.transportErr("confirmTransaction", ErrConfirmTimeout)
			}
			return c.transportErr("confirmTransaction", ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetHealth checks if the node is healthy.
func (c *RPCClient) GetHealth(ctx context.Context) error {
	_, err := c.call(ctx, "getHealth", nil)
	return c.asTransport("getHealth", err)
}

// Endpoint returns the JSON-RPC endpoint.
func (c *RPCClient) Endpoint() string {
	return c.endpoint
}

// Stats returns a copy of the transport statistics.
func (c *RPCClient) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close stops all subscriptions and waits for them to exit.
func (c *RPCClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.activeStreams.Wait()
	return nil
}

// Statistics update methods
func (c *RPCClient) incrementRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Requests++
}

func (c *RPCClient) incrementErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Errors++
}

func (c *RPCClient) incrementAccounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.AccountsRecv++
}

func (c *RPCClient) incrementReconnects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Reconnects++
}

func (c *RPCClient) incrementPollFallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PollFallbacks++
}

func (c *RPCClient) setLastSlot(slot types.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot > c.stats.LastSlot {
		c.stats.LastSlot = slot
	}
}
