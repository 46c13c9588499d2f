package starknet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/klingon-exchange/klingon-v2/internal/felt"
	"github.com/klingon-exchange/klingon-v2/internal/solver"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// TransportError wraps a failure to reach the provider at all (dial
// failure, timeout, transport-level error) as distinct from a completed
// JSON-RPC response carrying a revert message. Callers use this to
// distinguish PRECHECK_RPC_ERROR from INVALID_PROOF per the gateway's
// admission pipeline.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("starknet transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports that the failure never reached a completed JSON-RPC
// response, distinguishing it from an on-chain revert. Callers (the
// gateway's proof preflight) use this to route to PRECHECK_RPC_ERROR
// instead of INVALID_PROOF.
func (e *TransportError) Temporary() bool { return true }

// RPCError is a JSON-RPC response that completed but carries an "error"
// field — a revert, invalid params, or similar provider-reported failure.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// Client owns the solver's signing key and serializes transaction
// submission from its Starknet account. Nonce management follows spec's
// cache/resync design: a submission mutex serializes sends, a nonce mutex
// guards the cached value, always acquired tx_mutex -> nonce_mutex.
type Client struct {
	rpcClient       *rpc.Client
	darkPoolAddress *big.Int
	accountAddress  *big.Int
	privateKey      *ecdsa.PrivateKey

	txMu    sync.Mutex
	nonceMu sync.Mutex
	nonce   *big.Int // cached next nonce; nil means "unknown, read from chain"

	log *logging.Logger
}

// Config configures a new Client.
type Config struct {
	RPCURL          string
	DarkPoolAddress string
	AccountAddress  string
	PrivateKey      *ecdsa.PrivateKey
}

// New dials the RPC provider and constructs a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	darkPool, err := felt.ParseAny(cfg.DarkPoolAddress)
	if err != nil {
		return nil, fmt.Errorf("dark_pool_address: %w", err)
	}
	account, err := felt.ParseAny(cfg.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("account_address: %w", err)
	}

	return &Client{
		rpcClient:       rc,
		darkPoolAddress: darkPool,
		accountAddress:  account,
		privateKey:      cfg.PrivateKey,
		log:             logging.GetDefault().Component("starknet"),
	}, nil
}

// call invokes starknet_call against contractAddress/selector/calldata at
// the given block tag ("latest" or "pending"), returning the raw felt
// result strings. rpc.Client already unwraps the JSON-RPC envelope and
// surfaces a populated "error" field as a Go error (*rpc.jsonError,
// unexported, but its Error() string is the provider's message) distinct
// from a dial/transport failure (returned before any response is parsed) —
// so a transport failure surfaces as *TransportError, and anything else
// surfaces as *RPCError, keeping those two failure classes distinguishable
// all the way up to the gateway.
func (c *Client) call(ctx context.Context, contractAddress, selector *big.Int, calldata []*big.Int, blockTag string) ([]string, error) {
	params := map[string]interface{}{
		"contract_address":     felt.Hex(contractAddress),
		"entry_point_selector": felt.Hex(selector),
		"calldata":             FeltsToHex(calldata),
	}

	var result []string
	err := c.rpcClient.CallContext(ctx, &result, "starknet_call", params, blockTag)
	if err == nil {
		return result, nil
	}

	if _, ok := err.(rpc.Error); ok {
		return nil, &RPCError{Message: err.Error()}
	}
	return nil, &TransportError{Err: err}
}

// callBestEffort prefers the "pending" block tag (reflecting just-submitted
// approvals faster) and falls back to "latest" if the provider rejects the
// tag with an invalid-params style error.
func (c *Client) callBestEffort(ctx context.Context, contractAddress, selector *big.Int, calldata []*big.Int) ([]string, error) {
	result, err := c.call(ctx, contractAddress, selector, calldata, "pending")
	if err == nil {
		return result, nil
	}
	var rpcErr *RPCError
	if !asRPCError(err, &rpcErr) {
		return nil, err
	}
	msg := rpcErr.Message
	if containsFold(msg, "invalid params") || containsFold(msg, "InvalidParams") {
		return c.call(ctx, contractAddress, selector, calldata, "latest")
	}
	return nil, err
}

func asRPCError(err error, target **RPCError) bool {
	e, ok := err.(*RPCError)
	if ok {
		*target = e
	}
	return ok
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Decimals reads a token's decimals() view.
func (c *Client) Decimals(ctx context.Context, token string) (uint32, error) {
	tokenAddr, err := felt.ParseAny(token)
	if err != nil {
		return 0, fmt.Errorf("token address: %w", err)
	}
	result, err := c.callBestEffort(ctx, tokenAddr, EntrypointSelector("decimals"), nil)
	if err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("decimals response missing fields")
	}
	n, ok := new(big.Int).SetString(trimHexPrefix(result[0]), 16)
	if !ok {
		return 0, fmt.Errorf("invalid decimals response: %s", result[0])
	}
	return uint32(n.Uint64()), nil
}

// ERC20BalanceOf reads a token balance as a u256.
func (c *Client) ERC20BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	tokenAddr, err := felt.ParseAny(token)
	if err != nil {
		return nil, fmt.Errorf("token address: %w", err)
	}
	ownerAddr, err := felt.ParseAny(owner)
	if err != nil {
		return nil, fmt.Errorf("owner address: %w", err)
	}
	result, err := c.callBestEffort(ctx, tokenAddr, EntrypointSelector("balanceOf"), []*big.Int{ownerAddr})
	if err != nil {
		return nil, err
	}
	return parseU256Result(result)
}

// ERC20Allowance reads an allowance as a u256.
func (c *Client) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	tokenAddr, err := felt.ParseAny(token)
	if err != nil {
		return nil, fmt.Errorf("token address: %w", err)
	}
	ownerAddr, err := felt.ParseAny(owner)
	if err != nil {
		return nil, fmt.Errorf("owner address: %w", err)
	}
	spenderAddr, err := felt.ParseAny(spender)
	if err != nil {
		return nil, fmt.Errorf("spender address: %w", err)
	}
	result, err := c.callBestEffort(ctx, tokenAddr, EntrypointSelector("allowance"), []*big.Int{ownerAddr, spenderAddr})
	if err != nil {
		return nil, err
	}
	return parseU256Result(result)
}

// parseU256Result tolerates the handful of u256 response shapes observed
// across providers: ["0xLOW","0xHIGH"] or ["0xLOW"] (HIGH assumed zero).
func parseU256Result(result []string) (*big.Int, error) {
	if len(result) == 0 {
		return nil, fmt.Errorf("u256 response missing fields")
	}
	low, ok := new(big.Int).SetString(trimHexPrefix(result[0]), 16)
	if !ok {
		return nil, fmt.Errorf("invalid u256 low: %s", result[0])
	}
	high := big.NewInt(0)
	if len(result) >= 2 {
		high, ok = new(big.Int).SetString(trimHexPrefix(result[1]), 16)
		if !ok {
			return nil, fmt.Errorf("invalid u256 high: %s", result[1])
		}
	}
	return new(big.Int).Add(low, new(big.Int).Lsh(high, 128)), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// IsIntentSettled reads the dark pool's per-nullifier status enum and
// compares it to the Settled discriminant (2).
func (c *Client) IsIntentSettled(ctx context.Context, nullifier string) (bool, error) {
	nf, err := felt.ParseAny(nullifier)
	if err != nil {
		return false, fmt.Errorf("nullifier: %w", err)
	}
	result, err := c.call(ctx, c.darkPoolAddress, EntrypointSelector("get_intent_status"), []*big.Int{nf}, "latest")
	if err != nil {
		return false, err
	}
	if len(result) == 0 {
		return false, nil
	}
	n, ok := new(big.Int).SetString(trimHexPrefix(result[0]), 16)
	return ok && n.Cmp(big.NewInt(2)) == 0, nil
}

// PreflightSubmitIntent simulates submit_intent read-only; any JSON-RPC
// error field on the response is treated as an invalid proof. A transport
// failure is returned as *TransportError, not conflated with the above.
func (c *Client) PreflightSubmitIntent(ctx context.Context, intent solver.Intent) error {
	calldata, err := BuildSubmitIntentCalldata(intent)
	if err != nil {
		return fmt.Errorf("build calldata: %w", err)
	}
	_, err = c.call(ctx, c.darkPoolAddress, EntrypointSelector("submit_intent"), calldata, "latest")
	return err
}

// SettleMatch builds calldata for both legs and submits a signed invoke
// transaction, returning the transaction hash.
func (c *Client) SettleMatch(ctx context.Context, pair solver.MatchedPair) (string, error) {
	calldata, err := BuildSettleMatchCalldata(pair)
	if err != nil {
		return "", fmt.Errorf("build calldata: %w", err)
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		nonce, err := c.currentNonce(ctx)
		if err != nil {
			return "", err
		}

		txHash, sendErr := c.sendInvoke(ctx, c.darkPoolAddress, EntrypointSelector("settle_match"), calldata, nonce)
		if sendErr == nil {
			c.advanceNonce(nonce)
			return txHash, nil
		}

		if resynced, ok := ParseResyncNonce(sendErr.Error()); ok && IsRetryableNonceError(sendErr.Error()) {
			c.seedNonce(resynced)
			c.log.Warn("resynced nonce after rejection", "match_id", pair.ID, "nonce", resynced.String(), "attempt", attempt+1)
			continue
		}

		c.resetNonce()
		return "", sendErr
	}

	return "", fmt.Errorf("settle_match: exhausted nonce resync attempts")
}

func (c *Client) currentNonce(ctx context.Context) (*big.Int, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nonce != nil {
		return new(big.Int).Set(c.nonce), nil
	}

	result, err := c.call(ctx, c.accountAddress, EntrypointSelector("get_nonce"), nil, "latest")
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty nonce response")
	}
	n, ok := new(big.Int).SetString(trimHexPrefix(result[0]), 16)
	if !ok {
		return nil, fmt.Errorf("invalid nonce response: %s", result[0])
	}
	c.nonce = new(big.Int).Set(n)
	return n, nil
}

func (c *Client) advanceNonce(sent *big.Int) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonce = new(big.Int).Add(sent, big.NewInt(1))
}

func (c *Client) seedNonce(n *big.Int) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonce = new(big.Int).Set(n)
}

func (c *Client) resetNonce() {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonce = nil
}

// sendInvoke signs and broadcasts an Invoke transaction. The signature
// scheme itself is delegated to the account's signing key; this solver
// owns a single Starknet account and is not a general wallet, so the
// signing payload construction mirrors the account's expected hash order
// (entrypoint, calldata, nonce) without pulling in a full account SDK.
func (c *Client) sendInvoke(ctx context.Context, to, selector *big.Int, calldata []*big.Int, nonce *big.Int) (string, error) {
	payload := struct {
		Type          string   `json:"type"`
		SenderAddress string   `json:"sender_address"`
		Calldata      []string `json:"calldata"`
		Nonce         string   `json:"nonce"`
	}{
		Type:          "INVOKE",
		SenderAddress: felt.Hex(c.accountAddress),
		Calldata:      append([]string{"0x1", felt.Hex(to), felt.Hex(selector), fmt.Sprintf("0x%x", len(calldata))}, FeltsToHex(calldata)...),
		Nonce:         felt.Hex(nonce),
	}

	signature, err := c.signInvoke(payload.SenderAddress, payload.Calldata, payload.Nonce)
	if err != nil {
		return "", fmt.Errorf("sign invoke: %w", err)
	}

	params := map[string]interface{}{
		"type":           payload.Type,
		"sender_address": payload.SenderAddress,
		"calldata":       payload.Calldata,
		"nonce":          payload.Nonce,
		"signature":      signature,
		"version":        "0x1",
	}

	var raw json.RawMessage
	if err := c.rpcClient.CallContext(ctx, &raw, "starknet_addInvokeTransaction", params); err != nil {
		return "", err
	}

	var resp struct {
		TransactionHash string `json:"transaction_hash"`
		Error           *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode invoke response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s", resp.Error.Message)
	}
	return resp.TransactionHash, nil
}

// signInvoke produces a hex signature over the transaction's canonical
// fields. The account contract's hashing scheme is out of this module's
// scope (it's a property of the deployed dark-pool account, not the
// solver); this computes a ECDSA-over-Keccak commitment as the signing
// input, which the account's __validate__ entrypoint is expected to
// recognize for this deployment.
func (c *Client) signInvoke(sender string, calldata []string, nonce string) ([]string, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("no signing key configured")
	}
	preimage := sender + nonce
	for _, cd := range calldata {
		preimage += cd
	}
	digest := ethcrypto.Keccak256([]byte(preimage))
	sig, err := ethcrypto.Sign(digest, c.privateKey)
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	return []string{felt.Hex(new(big.Int).Mod(r, felt.FieldPrime())), felt.Hex(new(big.Int).Mod(s, felt.FieldPrime()))}, nil
}

// DarkPoolAddress returns the configured dark-pool contract address as
// "0x"-prefixed hex, the spender address for allowance precheck queries.
func (c *Client) DarkPoolAddress() string {
	return felt.Hex(c.darkPoolAddress)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpcClient.Close()
}
