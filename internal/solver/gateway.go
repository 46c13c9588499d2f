package solver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// GatewayError is a user-facing admission failure, carrying one of the
// string codes callers are expected to branch on.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func gatewayErr(code, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SubmitIntentRequest is the wire-level submission, mirroring the JSON
// payload clients send: proof material, clear public inputs, an encrypted
// blob, and a signature over the whole of it.
type SubmitIntentRequest struct {
	IntentHash        string
	Nullifier         string
	ProofData         []string
	ProofPublicInputs []string
	PublicInputs      PublicInputs
	EncryptedDetails  string // base64
	Signature         string
}

// GatewayConfig gates the optional funding precheck step. Narrower than the
// source's HTTP-layer config: only the fields the admission pipeline itself
// consults.
type GatewayConfig struct {
	EnforcePrechecks bool
}

// IntentGateway runs the six-step admission pipeline that turns a
// SubmitIntentRequest into a persisted, Pending Intent.
type IntentGateway struct {
	store  Store
	chain  ChainClient
	config GatewayConfig
	log    *logging.Logger
}

// NewIntentGateway constructs a gateway over the given Store and ChainClient.
func NewIntentGateway(store Store, chain ChainClient, config GatewayConfig) *IntentGateway {
	return &IntentGateway{store: store, chain: chain, config: config, log: logging.GetDefault().Component("gateway")}
}

// SubmitIntent runs the admission pipeline and, on success, returns the
// persisted Intent.
func (g *IntentGateway) SubmitIntent(ctx context.Context, req SubmitIntentRequest) (*Intent, error) {
	if err := validateSyntax(req); err != nil {
		return nil, err
	}

	if g.config.EnforcePrechecks {
		if err := g.enforceFundingPrecheck(ctx, req); err != nil {
			return nil, err
		}
	}

	existing, err := g.store.GetIntent(ctx, req.Nullifier)
	if err != nil {
		return nil, gatewayErr("STORAGE_ERROR", "failed to check for duplicate: %v", err)
	}
	if existing != nil {
		return nil, gatewayErr("DUPLICATE_INTENT", "intent already exists")
	}

	intent := &Intent{
		ID:                "",
		IntentHash:        req.IntentHash,
		Nullifier:         req.Nullifier,
		ProofData:         req.ProofData,
		ProofPublicInputs: req.ProofPublicInputs,
		PublicInputs:      req.PublicInputs,
	}
	if err := g.preflightVerifyProof(ctx, *intent); err != nil {
		return nil, err
	}

	reserved, err := g.store.ReserveNonce(ctx, req.PublicInputs.User, req.PublicInputs.Nonce, int64(req.PublicInputs.Deadline))
	if err != nil {
		return nil, gatewayErr("STORAGE_ERROR", "failed to reserve nonce: %v", err)
	}
	if !reserved {
		return nil, gatewayErr("ERR_NONCE_REPLAY", "nonce already used")
	}

	encrypted, err := base64.StdEncoding.DecodeString(req.EncryptedDetails)
	if err != nil {
		return nil, gatewayErr("INVALID_ENCODING", "invalid encrypted_details: %v", err)
	}

	expiresAt := time.Unix(int64(req.PublicInputs.Deadline), 0).UTC()
	built := NewIntent(req.IntentHash, req.Nullifier, req.ProofData, req.ProofPublicInputs, req.PublicInputs, encrypted, expiresAt)

	if err := g.store.StoreIntent(ctx, built); err != nil {
		return nil, gatewayErr("STORAGE_ERROR", "failed to store intent: %v", err)
	}

	g.log.Info("admitted intent", "nullifier", built.Nullifier, "user", built.PublicInputs.User)
	return built, nil
}

// validateSyntax is step 1 of the admission pipeline.
func validateSyntax(req SubmitIntentRequest) error {
	if len(req.ProofData) == 0 {
		return gatewayErr("INVALID_PROOF", "proof_data is empty")
	}
	if len(req.ProofPublicInputs) > 0 && len(req.ProofPublicInputs) < 3 {
		return gatewayErr("INVALID_PUBLIC_INPUTS", "proof_public_inputs must be empty or have at least 3 elements")
	}
	if !isValidSignature(req.Signature) {
		return gatewayErr("INVALID_SIGNATURE", "signature format is invalid")
	}
	if strings.TrimSpace(req.PublicInputs.ChainID) == "" || strings.TrimSpace(req.PublicInputs.DomainSeparator) == "" {
		return gatewayErr("INVALID_INTENT_METADATA", "chain_id and domain_separator are required")
	}
	now := uint64(time.Now().Unix())
	if req.PublicInputs.Deadline <= now {
		return gatewayErr("ERR_EXPIRED_INTENT", "intent already expired")
	}
	return nil
}

// isValidSignature requires a "0x"-prefixed hex string at least 66
// characters long (2 prefix + 64 hex digits minimum).
func isValidSignature(sig string) bool {
	trimmed := strings.TrimSpace(sig)
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) < 66 {
		return false
	}
	body := trimmed[2:]
	for _, c := range body {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// enforceFundingPrecheck is step 2: resolve decimals, compute required base
// units, and require both balance and allowance to cover it.
func (g *IntentGateway) enforceFundingPrecheck(ctx context.Context, req SubmitIntentRequest) error {
	decimals, err := g.chain.Decimals(ctx, req.PublicInputs.TokenIn)
	if err != nil {
		return gatewayErr("PRECHECK_RPC_ERROR", "failed to resolve token decimals: %v", err)
	}
	required, err := ParseAmountToBaseUnits(req.PublicInputs.AmountIn, decimals)
	if err != nil {
		return gatewayErr("INVALID_AMOUNT", "%v", err)
	}

	balance, err := g.chain.ERC20BalanceOf(ctx, req.PublicInputs.TokenIn, req.PublicInputs.User)
	if err != nil {
		return gatewayErr("PRECHECK_RPC_ERROR", "failed to read balance: %v", err)
	}
	if balance.Cmp(required) < 0 {
		return gatewayErr("INSUFFICIENT_BALANCE", "balance %s below required %s", balance.String(), required.String())
	}

	darkPoolSpender := g.chain.DarkPoolAddress()
	allowance, err := g.chain.ERC20Allowance(ctx, req.PublicInputs.TokenIn, req.PublicInputs.User, darkPoolSpender)
	if err != nil {
		return gatewayErr("PRECHECK_RPC_ERROR", "failed to read allowance: %v", err)
	}
	if allowance.Cmp(required) < 0 {
		return gatewayErr("INSUFFICIENT_ALLOWANCE", "allowance %s below required %s", allowance.String(), required.String())
	}
	return nil
}

// preflightVerifyProof is step 4: simulate submit_intent read-only.
// Transport failures surface as PRECHECK_RPC_ERROR; a completed JSON-RPC
// error response (an actual revert) surfaces as INVALID_PROOF, per the
// distinction ChainClient's error types carry.
func (g *IntentGateway) preflightVerifyProof(ctx context.Context, intent Intent) error {
	err := g.chain.PreflightSubmitIntent(ctx, intent)
	if err == nil {
		return nil
	}
	if isTransportFailure(err) {
		return gatewayErr("PRECHECK_RPC_ERROR", "%v", err)
	}
	return gatewayErr("INVALID_PROOF", "proof preflight verification failed: %v", err)
}

// temporaryError is satisfied by a ChainClient's transport-level failures
// (dial errors, timeouts) so the gateway can tell those apart from a
// completed RPC response carrying a revert, without importing the chain
// package's concrete error types.
type temporaryError interface {
	Temporary() bool
}

func isTransportFailure(err error) bool {
	var t temporaryError
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
