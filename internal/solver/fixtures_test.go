package solver

import (
	"context"
	"math/big"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// scenarioCatalogYAML is the end-to-end scenario catalog: a human-readable
// index of the behaviors every other _test.go file in this package (and, for
// the nonce-resync scenario, internal/chain/starknet) exercises directly.
// Keeping it in YAML mirrors the teacher's config-loading idiom rather than
// burying the list in code comments.
const scenarioCatalogYAML = `
- name: happy_path
  description: >-
    Two complementary intents submitted before a matching tick are matched
    on that tick and settle with an identical on-chain tx hash.
- name: nonce_replay
  description: Resubmitting the same (user, nonce) pair yields ERR_NONCE_REPLAY.
- name: duplicate_nullifier
  description: Resubmitting the same nullifier yields DUPLICATE_INTENT.
- name: deterministic_pairing
  description: >-
    Given several compatible counterparties, the highest-surplus one wins;
    equal surplus breaks toward the later created_at.
- name: settlement_backoff
  description: >-
    Repeated INSUFFICIENT_ALLOWANCE failures during auto-settlement push a
    matched pair onto an exponential backoff schedule instead of failing it.
- name: nonce_resync
  description: >-
    A stale cached nonce is recovered from a provider's rejection message and
    the next send retries with the corrected value. Exercised against
    ParseResyncNonce in internal/chain/starknet, which this package cannot
    import without a cycle (starknet imports solver's domain types).
`

type scenarioFixture struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func loadScenarioCatalog(t *testing.T) []scenarioFixture {
	t.Helper()
	var fixtures []scenarioFixture
	if err := yaml.Unmarshal([]byte(scenarioCatalogYAML), &fixtures); err != nil {
		t.Fatalf("unmarshal scenario catalog: %v", err)
	}
	return fixtures
}

func TestScenarioCatalog_IsComplete(t *testing.T) {
	fixtures := loadScenarioCatalog(t)
	want := []string{
		"happy_path", "nonce_replay", "duplicate_nullifier",
		"deterministic_pairing", "settlement_backoff", "nonce_resync",
	}
	if len(fixtures) != len(want) {
		t.Fatalf("expected %d cataloged scenarios, got %d", len(want), len(fixtures))
	}
	for i, f := range fixtures {
		if f.Name != want[i] {
			t.Errorf("fixture %d: name = %q, want %q", i, f.Name, want[i])
		}
		if f.Description == "" {
			t.Errorf("fixture %q has no description", f.Name)
		}
	}
}

// TestScenario_HappyPath exercises the full submit -> match -> auto-settle
// path through IntentGateway and Matcher together, the one end-to-end path
// the per-component test files don't assemble on their own.
func TestScenario_HappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	chain := &fakeChainClient{
		balance: big.NewInt(1_000_000), allowance: big.NewInt(1_000_000),
		settleTxHash: "0xsettletx", darkPoolAddress: "0xdarkpool",
	}
	gw := NewIntentGateway(store, chain, GatewayConfig{EnforcePrechecks: false})
	m := NewMatcher(store, chain, MatcherConfig{AutoSettle: true})

	u1 := validRequest()
	u1.PublicInputs.User, u1.PublicInputs.TokenIn, u1.PublicInputs.TokenOut = "0xu1", "0xA", "0xB"
	u1.PublicInputs.AmountIn, u1.PublicInputs.MinAmountOut = "10", "9"

	u2 := validRequest()
	u2.Nullifier = "0xnf2"
	u2.PublicInputs.User, u2.PublicInputs.TokenIn, u2.PublicInputs.TokenOut = "0xu2", "0xB", "0xA"
	u2.PublicInputs.AmountIn, u2.PublicInputs.MinAmountOut = "9", "10"
	u2.PublicInputs.Nonce = 2

	if _, err := gw.SubmitIntent(ctx, u1); err != nil {
		t.Fatalf("submit u1: %v", err)
	}
	if _, err := gw.SubmitIntent(ctx, u2); err != nil {
		t.Fatalf("submit u2: %v", err)
	}

	if err := m.matchBatch(ctx); err != nil {
		t.Fatalf("matchBatch: %v", err)
	}

	gotU1, err := store.GetIntent(ctx, u1.Nullifier)
	if err != nil {
		t.Fatalf("GetIntent u1: %v", err)
	}
	gotU2, err := store.GetIntent(ctx, u2.Nullifier)
	if err != nil {
		t.Fatalf("GetIntent u2: %v", err)
	}
	if gotU1.Status != StatusSettled || gotU2.Status != StatusSettled {
		t.Fatalf("expected both intents settled, got u1=%v u2=%v", gotU1.Status, gotU2.Status)
	}
	if gotU1.SettlementTxHash == "" || gotU1.SettlementTxHash != gotU2.SettlementTxHash {
		t.Errorf("expected identical non-empty settlement tx hashes, got %q and %q", gotU1.SettlementTxHash, gotU2.SettlementTxHash)
	}

	pending, err := store.GetPendingIntents(ctx)
	if err != nil {
		t.Fatalf("GetPendingIntents: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected an empty pending set after matching, got %d", len(pending))
	}
}

// TestScenario_DeterministicPairing_TieBreaksByLaterCreatedAt covers the
// equal-surplus tie-break rule the per-component matcher tests don't: when
// two counterparties offer identical surplus, the later created_at wins.
func TestScenario_DeterministicPairing_TieBreaksByLaterCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testIntent("0xa", "0xuser1", "0xA", "0xB", time.Hour)

	earlier := testIntent("0xearlier", "0xuser2", "0xB", "0xA", time.Hour)
	earlier.CreatedAt = time.Now().Add(-time.Minute)

	later := testIntent("0xlater", "0xuser3", "0xB", "0xA", time.Hour)
	later.CreatedAt = time.Now()

	for _, i := range []*Intent{a, earlier, later} {
		if err := store.StoreIntent(ctx, i); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	m := NewMatcher(store, nil, MatcherConfig{AutoSettle: false})
	if err := m.matchBatch(ctx); err != nil {
		t.Fatalf("matchBatch: %v", err)
	}

	gotA, err := store.GetIntent(ctx, a.Nullifier)
	if err != nil {
		t.Fatalf("GetIntent a: %v", err)
	}
	if gotA.MatchedWith != later.Nullifier {
		t.Errorf("expected the tie to break toward the later created_at counterparty %s, got %s", later.Nullifier, gotA.MatchedWith)
	}
}
