package solver

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// MatcherConfig controls the batch matcher's tick cadence and whether
// matches are submitted for settlement automatically as soon as they are
// created.
type MatcherConfig struct {
	TickInterval time.Duration
	AutoSettle   bool // requires a non-nil ChainClient
}

// DefaultMatcherConfig mirrors the default 1000ms tick interval. The retry
// sweep cadence derives from it (roughly every 10 seconds of wall clock),
// per the matching engine's design.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{TickInterval: time.Second, AutoSettle: false}
}

// Matcher runs the periodic batch-matching loop and the separate
// settlement retry loop described by the matching engine's design.
type Matcher struct {
	store  Store
	chain  ChainClient // nil when auto-settlement is unavailable
	config MatcherConfig
	log    *logging.Logger
}

// NewMatcher constructs a Matcher. chain may be nil if AutoSettle is false.
func NewMatcher(store Store, chain ChainClient, config MatcherConfig) *Matcher {
	return &Matcher{store: store, chain: chain, config: config, log: logging.GetDefault().Component("matcher")}
}

// Run blocks, ticking the matcher and (throttled) the retry sweep, until
// ctx is cancelled. The loop never dies on an error; it logs and continues
// with the next tick's fresh snapshot.
func (m *Matcher) Run(ctx context.Context) {
	tickMs := m.config.TickInterval.Milliseconds()
	if tickMs < 1 {
		tickMs = 1
	}
	settleEveryTicks := (10_000 / tickMs)
	if settleEveryTicks < 1 {
		settleEveryTicks = 1
	}

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	m.log.Info("starting intent matching loop", "tick_interval", m.config.TickInterval)

	var ticks int64
	for {
		select {
		case <-ctx.Done():
			m.log.Info("matching loop stopped")
			return
		case <-ticker.C:
			ticks++
			if err := m.matchBatch(ctx); err != nil {
				m.log.Error("error in matching batch", "error", err)
			}
			if m.config.AutoSettle && m.chain != nil && ticks%settleEveryTicks == 0 {
				if err := m.RetryUnsettledMatches(ctx); err != nil {
					m.log.Warn("error retrying unsettled matches", "error", err)
				}
			}
		}
	}
}

// sortStable orders intents by (created_at asc, nullifier asc), the
// deterministic tie-break every matching decision is built on.
func sortStable(intents []*Intent) {
	sort.SliceStable(intents, func(i, j int) bool {
		if !intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].CreatedAt.Before(intents[j].CreatedAt)
		}
		return intents[i].Nullifier < intents[j].Nullifier
	})
}

// matchBatch is one matching tick: snapshot pending intents, group by
// distinct token pair, and greedily pair each A-side intent with its
// best compatible B-side counterparty.
func (m *Matcher) matchBatch(ctx context.Context) error {
	pending, err := m.store.GetPendingIntents(ctx)
	if err != nil {
		return fmt.Errorf("get pending intents: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	sortStable(pending)

	type pairKeyT struct{ tokenIn, tokenOut string }
	seen := make(map[pairKeyT]bool)
	var pairs []pairKeyT
	for _, i := range pending {
		k := pairKeyT{i.PublicInputs.TokenIn, i.PublicInputs.TokenOut}
		if !seen[k] {
			seen[k] = true
			pairs = append(pairs, k)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].tokenIn != pairs[j].tokenIn {
			return pairs[i].tokenIn < pairs[j].tokenIn
		}
		return pairs[i].tokenOut < pairs[j].tokenOut
	})

	for _, p := range pairs {
		intentsA, err := m.store.GetIntentsByPair(ctx, p.tokenIn, p.tokenOut)
		if err != nil {
			return fmt.Errorf("get intents by pair %s/%s: %w", p.tokenIn, p.tokenOut, err)
		}
		intentsB, err := m.store.GetIntentsByPair(ctx, p.tokenOut, p.tokenIn)
		if err != nil {
			return fmt.Errorf("get intents by pair %s/%s: %w", p.tokenOut, p.tokenIn, err)
		}
		if len(intentsA) == 0 || len(intentsB) == 0 {
			continue
		}
		sortStable(intentsA)
		sortStable(intentsB)

		used := make(map[int]bool)
		for _, a := range intentsA {
			if !a.CanMatch() {
				continue
			}
			bestIdx := -1
			var bestSurplus float64
			for idx, b := range intentsB {
				if used[idx] || !compatible(a, b) {
					continue
				}
				s := surplus(a, b)
				if bestIdx == -1 {
					bestIdx, bestSurplus = idx, s
					continue
				}
				if better(s, bestSurplus, b, intentsB[bestIdx]) {
					bestIdx, bestSurplus = idx, s
				}
			}
			if bestIdx == -1 {
				continue
			}
			b := intentsB[bestIdx]
			if err := m.createMatch(ctx, a, b); err != nil {
				m.log.Warn("failed to create match", "error", err)
				continue
			}
			used[bestIdx] = true
			m.log.Info("matched intents", "nullifier_a", a.Nullifier, "nullifier_b", b.Nullifier)
		}
	}
	return nil
}

// better reports whether candidate b with surplus sCandidate should replace
// the current best (bestB, sBest): higher surplus wins; ties break by later
// created_at, then later nullifier.
func better(sCandidate, sBest float64, candidate, best *Intent) bool {
	if sCandidate != sBest {
		return sCandidate > sBest
	}
	if !candidate.CreatedAt.Equal(best.CreatedAt) {
		return candidate.CreatedAt.After(best.CreatedAt)
	}
	return candidate.Nullifier > best.Nullifier
}

// compatible implements the compatibility predicate: distinct users,
// complementary token legs, both unexpired, and amount sufficiency in base
// units on both sides.
func compatible(a, b *Intent) bool {
	if a.PublicInputs.User == b.PublicInputs.User {
		return false
	}
	if a.PublicInputs.TokenIn != b.PublicInputs.TokenOut || a.PublicInputs.TokenOut != b.PublicInputs.TokenIn {
		return false
	}
	now := uint64(time.Now().Unix())
	if a.PublicInputs.Deadline <= now || b.PublicInputs.Deadline <= now {
		return false
	}

	amountAIn, minAOut, ok := amountsInBaseUnits(a)
	if !ok {
		return false
	}
	amountBIn, minBOut, ok := amountsInBaseUnits(b)
	if !ok {
		return false
	}
	if amountAIn.Cmp(minBOut) < 0 || amountBIn.Cmp(minAOut) < 0 {
		return false
	}
	return true
}

// amountsInBaseUnits resolves (amount_in, min_amount_out) for an intent in
// base units, preferring the prover-supplied values at proof_public_inputs
// indices 3 and 4 (layout: [user, tokenIn, tokenOut, amountIn,
// minAmountOut, deadline]) and falling back to parsing the human-readable
// decimal fields against the token decimals table for older records.
func amountsInBaseUnits(i *Intent) (*big.Int, *big.Int, bool) {
	if len(i.ProofPublicInputs) >= 5 {
		amountIn, ok1 := new(big.Int).SetString(strings.TrimSpace(i.ProofPublicInputs[3]), 10)
		minOut, ok2 := new(big.Int).SetString(strings.TrimSpace(i.ProofPublicInputs[4]), 10)
		if ok1 && ok2 {
			return amountIn, minOut, true
		}
	}

	amountIn, err := ParseAmountToBaseUnits(i.PublicInputs.AmountIn, TokenDecimalsFor(i.PublicInputs.TokenIn))
	if err != nil {
		return nil, nil, false
	}
	minOut, err := ParseAmountToBaseUnits(i.PublicInputs.MinAmountOut, TokenDecimalsFor(i.PublicInputs.TokenOut))
	if err != nil {
		return nil, nil, false
	}
	return amountIn, minOut, true
}

// surplus is the sum of both sides' slack between offered input and
// required output, computed in base units then projected to a float for
// ranking only.
func surplus(a, b *Intent) float64 {
	amountAIn, minAOut, ok := amountsInBaseUnits(a)
	if !ok {
		return 0
	}
	amountBIn, minBOut, ok := amountsInBaseUnits(b)
	if !ok {
		return 0
	}

	surplusA := new(big.Int)
	if amountAIn.Cmp(minBOut) >= 0 {
		surplusA.Sub(amountAIn, minBOut)
	}
	surplusB := new(big.Int)
	if amountBIn.Cmp(minAOut) >= 0 {
		surplusB.Sub(amountBIn, minAOut)
	}
	total := new(big.Int).Add(surplusA, surplusB)
	f, _ := strconv.ParseFloat(total.String(), 64)
	return f
}

// poolAddressFor derives a deterministic placeholder pool address from the
// token pair: xor of the first 8 hex nibbles of each address. Replacing
// this with a live factory lookup is future work; nothing downstream
// depends on its value beyond identifying "a" pool for the pair.
func poolAddressFor(tokenA, tokenB string) string {
	parse := func(token string) uint64 {
		raw := strings.TrimPrefix(strings.TrimPrefix(token, "0x"), "0X")
		if len(raw) > 8 {
			raw = raw[:8]
		}
		n, err := strconv.ParseUint(raw, 16, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return fmt.Sprintf("0x%064x", parse(tokenA)^parse(tokenB))
}

// createMatch persists a MatchedPair, transitions both intents to Matched,
// and (if configured for auto-settlement) attempts settlement immediately.
// A precheck failure or settlement error leaves the pair in Matched so the
// retry loop or a manual settle can pick it up later.
func (m *Matcher) createMatch(ctx context.Context, a, b *Intent) error {
	if !a.CanMatch() || !b.CanMatch() {
		return fmt.Errorf("one or more intents no longer pending")
	}

	settlement := SettlementData{
		PoolAddress:    poolAddressFor(a.PublicInputs.TokenIn, a.PublicInputs.TokenOut),
		SqrtPriceLimit: "0",
	}
	pair := NewMatchedPair(*a, *b, settlement)

	if err := m.store.StoreMatchedPair(ctx, pair); err != nil {
		return fmt.Errorf("store matched pair: %w", err)
	}
	if err := m.store.UpdateIntentStatus(ctx, a.Nullifier, StatusMatched, b.Nullifier, ""); err != nil {
		return fmt.Errorf("update intent a status: %w", err)
	}
	if err := m.store.UpdateIntentStatus(ctx, b.Nullifier, StatusMatched, a.Nullifier, ""); err != nil {
		return fmt.Errorf("update intent b status: %w", err)
	}

	if !m.config.AutoSettle || m.chain == nil {
		return nil
	}

	if err := m.precheckSettlement(ctx, pair); err != nil {
		m.log.Warn("skipping auto-settlement due to precheck failure", "match_id", pair.ID, "reason", err)
		return nil
	}
	if err := m.settleMatch(ctx, *pair); err != nil {
		m.log.Error("auto-settlement failed", "match_id", pair.ID, "error", err)
	}
	return nil
}

// precheckSettlement verifies both legs' balance and allowance for their
// token_in against the dark pool (the transfer_from spender) before
// submitting a settlement transaction that would otherwise revert.
func (m *Matcher) precheckSettlement(ctx context.Context, pair *MatchedPair) error {
	spender := m.chain.DarkPoolAddress()

	for _, leg := range []PublicInputs{pair.IntentA.PublicInputs, pair.IntentB.PublicInputs} {
		required, err := ParseAmountToBaseUnits(leg.AmountIn, TokenDecimalsFor(leg.TokenIn))
		if err != nil {
			return err
		}
		balance, err := m.chain.ERC20BalanceOf(ctx, leg.TokenIn, leg.User)
		if err != nil {
			return err
		}
		if balance.Cmp(required) < 0 {
			return fmt.Errorf("INSUFFICIENT_BALANCE user=%s token_in=%s balance=%s required=%s", leg.User, leg.TokenIn, balance, required)
		}
		allowance, err := m.chain.ERC20Allowance(ctx, leg.TokenIn, leg.User, spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(required) < 0 {
			return fmt.Errorf("INSUFFICIENT_ALLOWANCE user=%s token_in=%s allowance=%s required=%s spender=%s", leg.User, leg.TokenIn, allowance, required, spender)
		}
	}
	return nil
}

// settleMatch runs the precheck, submits the settlement transaction, and
// transitions both intents to Settled on success.
func (m *Matcher) settleMatch(ctx context.Context, pair MatchedPair) error {
	if err := m.precheckSettlement(ctx, &pair); err != nil {
		return err
	}
	txHash, err := m.chain.SettleMatch(ctx, pair)
	if err != nil {
		return err
	}
	if err := m.store.UpdateIntentStatus(ctx, pair.IntentA.Nullifier, StatusSettled, pair.IntentB.Nullifier, txHash); err != nil {
		return fmt.Errorf("update intent a status: %w", err)
	}
	if err := m.store.UpdateIntentStatus(ctx, pair.IntentB.Nullifier, StatusSettled, pair.IntentA.Nullifier, txHash); err != nil {
		return fmt.Errorf("update intent b status: %w", err)
	}
	if err := m.store.MarkMatchSettled(ctx, pair.ID); err != nil {
		return fmt.Errorf("mark match settled: %w", err)
	}
	m.log.Info("match settled", "match_id", pair.ID, "tx_hash", txHash)
	return nil
}

// SettleMatchByID settles a specific matched pair on demand, the manual
// retry path (e.g. triggered by an operator or a confirmation endpoint).
func (m *Matcher) SettleMatchByID(ctx context.Context, matchID string) error {
	if m.chain == nil {
		return fmt.Errorf("chain client not configured")
	}
	pair, err := m.store.GetMatchedPair(ctx, matchID)
	if err != nil {
		return fmt.Errorf("get matched pair: %w", err)
	}
	if pair == nil {
		return ErrMatchNotFound
	}
	return m.settleMatch(ctx, *pair)
}

// isFundingError reports whether a settlement failure is a funding
// shortfall, treated as transient by the retry loop.
func isFundingError(msg string) bool {
	return strings.Contains(msg, "INSUFFICIENT_BALANCE") || strings.Contains(msg, "INSUFFICIENT_ALLOWANCE")
}

// computeBackoffSecs implements the settlement retry backoff schedule:
// immediate retry below 3 failures, then 300*2^(failures-3) capped at 3600s.
func computeBackoffSecs(failures uint64) int64 {
	if failures < 3 {
		return 0
	}
	exp := failures - 3
	if exp > 6 {
		exp = 6
	}
	backoff := int64(300) << exp
	if backoff > 3600 {
		backoff = 3600
	}
	return backoff
}

// RetryUnsettledMatches sweeps matched pairs that have not yet settled,
// skipping any still inside their backoff window, and attempts settlement
// for the rest. Funding-shortfall failures bump the backoff counter rather
// than abandoning the pair.
func (m *Matcher) RetryUnsettledMatches(ctx context.Context) error {
	if m.chain == nil {
		return nil
	}
	pairs, err := m.store.GetUnsettledMatches(ctx)
	if err != nil {
		return fmt.Errorf("get unsettled matches: %w", err)
	}
	if len(pairs) == 0 {
		return nil
	}

	now := time.Now().Unix()
	for _, pair := range pairs {
		state, err := m.store.GetMatchRetryState(ctx, pair.ID)
		if err == nil && state != nil && state.NextRetryAtUnix > now {
			continue
		}

		if err := m.settleMatch(ctx, *pair); err != nil {
			msg := err.Error()
			if isFundingError(msg) {
				current, _ := m.store.GetMatchRetryState(ctx, pair.ID)
				var failures uint64
				if current != nil {
					failures = current.Failures
				}
				failures++
				backoff := computeBackoffSecs(failures)
				_ = m.store.BumpMatchRetryState(ctx, pair.ID, now+backoff)
			}
			m.log.Debug("retry settlement skipped/failed", "match_id", pair.ID, "error", msg)
			continue
		}
		_ = m.store.ClearMatchRetryState(ctx, pair.ID)
	}
	return nil
}
