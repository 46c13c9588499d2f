package solver

import (
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
	"time"
)

// fakeChainClient is a scriptable ChainClient for gateway/matcher tests.
type fakeChainClient struct {
	decimals          uint32
	decimalsErr       error
	balance           *big.Int
	balanceErr        error
	allowance         *big.Int
	allowanceErr      error
	preflightErr      error
	settleTxHash      string
	settleErr         error
	darkPoolAddress   string
}

func (f *fakeChainClient) Decimals(ctx context.Context, token string) (uint32, error) {
	return f.decimals, f.decimalsErr
}
func (f *fakeChainClient) ERC20BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balance, nil
}
func (f *fakeChainClient) ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	if f.allowanceErr != nil {
		return nil, f.allowanceErr
	}
	return f.allowance, nil
}
func (f *fakeChainClient) PreflightSubmitIntent(ctx context.Context, intent Intent) error {
	return f.preflightErr
}
func (f *fakeChainClient) SettleMatch(ctx context.Context, pair MatchedPair) (string, error) {
	if f.settleErr != nil {
		return "", f.settleErr
	}
	return f.settleTxHash, nil
}
func (f *fakeChainClient) IsIntentSettled(ctx context.Context, nullifier string) (bool, error) {
	return false, nil
}
func (f *fakeChainClient) DarkPoolAddress() string { return f.darkPoolAddress }

// temporaryErr lets tests simulate a transport failure satisfying the
// gateway's Temporary() interface without depending on internal/chain/starknet.
type temporaryErr struct{ msg string }

func (e *temporaryErr) Error() string   { return e.msg }
func (e *temporaryErr) Temporary() bool { return true }

func validRequest() SubmitIntentRequest {
	return SubmitIntentRequest{
		IntentHash: "0xhash",
		Nullifier:  "0xnf1",
		ProofData:  []string{"0x1", "0x2"},
		PublicInputs: PublicInputs{
			User: "0xuser1", TokenIn: "0xA", TokenOut: "0xB",
			AmountIn: "10", MinAmountOut: "9",
			Deadline: uint64(time.Now().Add(time.Hour).Unix()), Nonce: 1,
			ChainID: "0x534e5f5345504f4c4941", DomainSeparator: "0xspender",
		},
		EncryptedDetails: base64.StdEncoding.EncodeToString([]byte("secret")),
		Signature:        "0x" + stringsRepeat("a", 64),
	}
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestGateway_HappyPath(t *testing.T) {
	store := newTestStore(t)
	chain := &fakeChainClient{}
	gw := NewIntentGateway(store, chain, GatewayConfig{EnforcePrechecks: false})

	intent, err := gw.SubmitIntent(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if intent.Status != StatusPending {
		t.Errorf("expected Pending status, got %v", intent.Status)
	}
}

func TestGateway_RejectsEmptyProofData(t *testing.T) {
	store := newTestStore(t)
	gw := NewIntentGateway(store, &fakeChainClient{}, GatewayConfig{})
	req := validRequest()
	req.ProofData = nil

	_, err := gw.SubmitIntent(context.Background(), req)
	assertGatewayCode(t, err, "INVALID_PROOF")
}

func TestGateway_RejectsShortSignature(t *testing.T) {
	store := newTestStore(t)
	gw := NewIntentGateway(store, &fakeChainClient{}, GatewayConfig{})
	req := validRequest()
	req.Signature = "0x" + stringsRepeat("a", 10)

	_, err := gw.SubmitIntent(context.Background(), req)
	assertGatewayCode(t, err, "INVALID_SIGNATURE")
}

func TestGateway_RejectsExpiredDeadline(t *testing.T) {
	store := newTestStore(t)
	gw := NewIntentGateway(store, &fakeChainClient{}, GatewayConfig{})
	req := validRequest()
	req.PublicInputs.Deadline = uint64(time.Now().Unix())

	_, err := gw.SubmitIntent(context.Background(), req)
	assertGatewayCode(t, err, "ERR_EXPIRED_INTENT")
}

func TestGateway_DuplicateNullifier(t *testing.T) {
	store := newTestStore(t)
	gw := NewIntentGateway(store, &fakeChainClient{}, GatewayConfig{})
	req := validRequest()

	if _, err := gw.SubmitIntent(context.Background(), req); err != nil {
		t.Fatalf("first submission: %v", err)
	}
	req.PublicInputs.Nonce = 2 // distinct nonce so replay isn't what trips it
	_, err := gw.SubmitIntent(context.Background(), req)
	assertGatewayCode(t, err, "DUPLICATE_INTENT")
}

func TestGateway_NonceReplay(t *testing.T) {
	store := newTestStore(t)
	gw := NewIntentGateway(store, &fakeChainClient{}, GatewayConfig{})

	first := validRequest()
	if _, err := gw.SubmitIntent(context.Background(), first); err != nil {
		t.Fatalf("first submission: %v", err)
	}

	second := validRequest()
	second.Nullifier = "0xnf2" // distinct nullifier so duplicate-check isn't what trips it
	_, err := gw.SubmitIntent(context.Background(), second)
	assertGatewayCode(t, err, "ERR_NONCE_REPLAY")
}

func TestGateway_InvalidProofOnRevert(t *testing.T) {
	store := newTestStore(t)
	chain := &fakeChainClient{preflightErr: errors.New("execution reverted: invalid proof")}
	gw := NewIntentGateway(store, chain, GatewayConfig{})

	_, err := gw.SubmitIntent(context.Background(), validRequest())
	assertGatewayCode(t, err, "INVALID_PROOF")
}

func TestGateway_PrecheckRPCErrorOnTransportFailure(t *testing.T) {
	store := newTestStore(t)
	chain := &fakeChainClient{preflightErr: &temporaryErr{msg: "dial tcp: timeout"}}
	gw := NewIntentGateway(store, chain, GatewayConfig{})

	_, err := gw.SubmitIntent(context.Background(), validRequest())
	assertGatewayCode(t, err, "PRECHECK_RPC_ERROR")
}

func TestGateway_FundingPrecheck_InsufficientBalance(t *testing.T) {
	store := newTestStore(t)
	chain := &fakeChainClient{decimals: 6, balance: big.NewInt(1), allowance: big.NewInt(1_000_000)}
	gw := NewIntentGateway(store, chain, GatewayConfig{EnforcePrechecks: true})

	req := validRequest()
	req.PublicInputs.AmountIn = "10" // plain integer, treated as 10 base units; balance is only 1

	_, err := gw.SubmitIntent(context.Background(), req)
	assertGatewayCode(t, err, "INSUFFICIENT_BALANCE")
}

func TestGateway_FundingPrecheck_InsufficientAllowance(t *testing.T) {
	store := newTestStore(t)
	chain := &fakeChainClient{decimals: 6, balance: big.NewInt(10_000_000), allowance: big.NewInt(1)}
	gw := NewIntentGateway(store, chain, GatewayConfig{EnforcePrechecks: true})

	req := validRequest()
	req.PublicInputs.AmountIn = "10"

	_, err := gw.SubmitIntent(context.Background(), req)
	assertGatewayCode(t, err, "INSUFFICIENT_ALLOWANCE")
}

func TestGateway_FundingPrecheck_Passes(t *testing.T) {
	store := newTestStore(t)
	chain := &fakeChainClient{decimals: 6, balance: big.NewInt(10_000_000), allowance: big.NewInt(10_000_000)}
	gw := NewIntentGateway(store, chain, GatewayConfig{EnforcePrechecks: true})

	req := validRequest()
	req.PublicInputs.AmountIn = "10"

	if _, err := gw.SubmitIntent(context.Background(), req); err != nil {
		t.Fatalf("expected funding precheck to pass, got %v", err)
	}
}

func assertGatewayCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var gwErr *GatewayError
	if !errorsAsGatewayError(err, &gwErr) {
		t.Fatalf("expected a *GatewayError, got %T: %v", err, err)
	}
	if gwErr.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, gwErr.Code, gwErr.Message)
	}
}

func errorsAsGatewayError(err error, target **GatewayError) bool {
	e, ok := err.(*GatewayError)
	if ok {
		*target = e
	}
	return ok
}
