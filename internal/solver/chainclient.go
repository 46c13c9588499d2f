package solver

import (
	"context"
	"math/big"
)

// ChainClient is the read/write Starknet surface the gateway and matcher
// depend on. Defined here, in terms of solver's own types, so that
// internal/chain/starknet (which already imports solver for Intent and
// MatchedPair) can satisfy it structurally without solver importing
// starknet back.
type ChainClient interface {
	Decimals(ctx context.Context, token string) (uint32, error)
	ERC20BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	PreflightSubmitIntent(ctx context.Context, intent Intent) error
	SettleMatch(ctx context.Context, pair MatchedPair) (string, error)
	IsIntentSettled(ctx context.Context, nullifier string) (bool, error)
	DarkPoolAddress() string
}
