package starknet

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/klingon-exchange/klingon-v2/internal/felt"
	"github.com/klingon-exchange/klingon-v2/internal/solver"
)

// EntrypointSelector computes a Starknet entry-point selector: the
// starknet_keccak scheme (Keccak256 of the ASCII name, truncated to its low
// 250 bits, which keeps it below the field prime). No Starknet selector library exists in
// this module's dependency graph, so this hand-encodes the scheme the way
// the teacher hand-encodes ERC-20 function selectors in
// internal/wallet/evm_tx.go, reusing go-ethereum's Keccak256 instead of the
// 4-byte Ethereum truncation.
func EntrypointSelector(name string) *big.Int {
	hash := crypto.Keccak256([]byte(name))
	n := new(big.Int).SetBytes(hash)
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
	return n.And(n, mask)
}

// publicInputsToFelts reconstructs the business public_inputs layout from
// the clear fields, regardless of whether the prover populated
// ProofPublicInputs — the on-chain verifier expects this exact order:
// [user, tokenIn, tokenOut, amountIn, minAmountOut, deadline].
func publicInputsToFelts(inputs solver.PublicInputs) ([]*big.Int, error) {
	user, err := felt.ParseAny(inputs.User)
	if err != nil {
		return nil, fmt.Errorf("public_inputs.user: %w", err)
	}
	tokenIn, err := felt.ParseAny(inputs.TokenIn)
	if err != nil {
		return nil, fmt.Errorf("public_inputs.token_in: %w", err)
	}
	tokenOut, err := felt.ParseAny(inputs.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("public_inputs.token_out: %w", err)
	}
	amountIn, err := amountToFelt(inputs.TokenIn, inputs.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("public_inputs.amount_in: %w", err)
	}
	minAmountOut, err := amountToFelt(inputs.TokenOut, inputs.MinAmountOut)
	if err != nil {
		return nil, fmt.Errorf("public_inputs.min_amount_out: %w", err)
	}
	deadline := new(big.Int).SetUint64(inputs.Deadline)
	return []*big.Int{user, tokenIn, tokenOut, amountIn, minAmountOut, deadline}, nil
}

// amountToFelt converts a human-submitted amount string into a base-units
// felt using the shared parser, resolving decimals from the fallback table.
// Callers with an on-chain decimals() result should scale before calling
// this by passing an already-base-units (hex) string instead.
func amountToFelt(token, amount string) (*big.Int, error) {
	decimals := solver.TokenDecimalsFor(token)
	n, err := solver.ParseAmountToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mod(n, felt.FieldPrime()), nil
}

// appendIntentProof appends one IntentProof structure to calldata:
// [intent_hash, nullifier, proof_data_len, proof_data..., public_inputs_len, public_inputs...]
func appendIntentProof(calldata []*big.Int, intent solver.Intent) ([]*big.Int, error) {
	intentHash, err := felt.ParseAny(intent.IntentHash)
	if err != nil {
		return nil, fmt.Errorf("intent_hash: %w", err)
	}
	nullifier, err := felt.ParseAny(intent.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("nullifier: %w", err)
	}
	calldata = append(calldata, intentHash, nullifier)

	calldata = append(calldata, big.NewInt(int64(len(intent.ProofData))))
	for _, el := range intent.ProofData {
		f, err := felt.ParseAny(el)
		if err != nil {
			return nil, fmt.Errorf("proof_data element: %w", err)
		}
		calldata = append(calldata, f)
	}

	pubInputs, err := publicInputsToFelts(intent.PublicInputs)
	if err != nil {
		return nil, err
	}
	calldata = append(calldata, big.NewInt(int64(len(pubInputs))))
	calldata = append(calldata, pubInputs...)

	return calldata, nil
}

// BuildSettleMatchCalldata builds the full calldata for
// settle_match(intent_a, intent_b, settlement_data) per the dark-pool
// contract's expected layout.
func BuildSettleMatchCalldata(pair solver.MatchedPair) ([]*big.Int, error) {
	var calldata []*big.Int

	calldata, err := appendIntentProof(calldata, pair.IntentA)
	if err != nil {
		return nil, fmt.Errorf("intent_a: %w", err)
	}
	calldata, err = appendIntentProof(calldata, pair.IntentB)
	if err != nil {
		return nil, fmt.Errorf("intent_b: %w", err)
	}

	poolAddr, err := felt.ParseAny(pair.Settlement.PoolAddress)
	if err != nil {
		return nil, fmt.Errorf("settlement_data.pool_address: %w", err)
	}
	low, high, err := felt.ParseU256LowHigh(pair.Settlement.SqrtPriceLimit)
	if err != nil {
		return nil, fmt.Errorf("settlement_data.sqrt_price_limit: %w", err)
	}
	calldata = append(calldata, poolAddr, low, high)

	return calldata, nil
}

// BuildSubmitIntentCalldata builds the read-only pre-flight simulation
// calldata for submit_intent(intent) — the same IntentProof layout used for
// settlement, simulated singly against the dark-pool contract.
func BuildSubmitIntentCalldata(intent solver.Intent) ([]*big.Int, error) {
	return appendIntentProof(nil, intent)
}

// FeltsToHex converts a calldata slice to "0x..." strings for the
// starknet_call JSON-RPC params array.
func FeltsToHex(calldata []*big.Int) []string {
	out := make([]string, len(calldata))
	for i, f := range calldata {
		out[i] = felt.Hex(f)
	}
	return out
}
