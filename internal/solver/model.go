// Package solver implements the intent store, admission gateway, and
// matching engine for the off-chain side of the dark-pool exchange.
package solver

import (
	"time"

	"github.com/google/uuid"
)

// IntentStatus is the lifecycle state of a submitted intent.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusMatched   IntentStatus = "matched"
	StatusSettled   IntentStatus = "settled"
	StatusCancelled IntentStatus = "cancelled"
	StatusExpired   IntentStatus = "expired"
	StatusFailed    IntentStatus = "failed"
)

// PublicInputs are the clear business fields of an intent, visible without
// decrypting EncryptedDetails.
type PublicInputs struct {
	User            string
	TokenIn         string
	TokenOut        string
	AmountIn        string
	MinAmountOut    string
	Deadline        uint64
	Nonce           uint64
	ChainID         string
	DomainSeparator string
	Version         uint16
}

// Intent is a user's encrypted trade order accompanied by a ZK proof.
type Intent struct {
	ID                string
	IntentHash        string
	Nullifier         string
	ProofData         []string
	ProofPublicInputs []string
	PublicInputs      PublicInputs
	EncryptedDetails  []byte
	Status            IntentStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	MatchedWith       string
	SettlementTxHash  string
}

// NewIntent constructs a pending intent with a fresh ID.
func NewIntent(intentHash, nullifier string, proofData, proofPublicInputs []string, inputs PublicInputs, encryptedDetails []byte, expiresAt time.Time) *Intent {
	now := time.Now()
	return &Intent{
		ID:                uuid.NewString(),
		IntentHash:        intentHash,
		Nullifier:         nullifier,
		ProofData:         proofData,
		ProofPublicInputs: proofPublicInputs,
		PublicInputs:      inputs,
		EncryptedDetails:  encryptedDetails,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
}

// IsExpired reports whether the intent's deadline has passed.
func (i *Intent) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// CanMatch reports whether the intent is eligible to be paired this tick.
func (i *Intent) CanMatch() bool {
	return i.Status == StatusPending && !i.IsExpired()
}

// SettlementData is the on-chain pool reference attached to a match.
type SettlementData struct {
	PoolAddress     string
	SqrtPriceLimit  string
}

// MatchedPair is a pair of complementary intents selected for settlement.
type MatchedPair struct {
	ID         string
	IntentA    Intent
	IntentB    Intent
	MatchedAt  time.Time
	// ExpectedProfit is always zero; reserved for future use.
	ExpectedProfit float64
	Settlement     SettlementData
}

// NewMatchedPair constructs a match between two intent snapshots.
func NewMatchedPair(a, b Intent, settlement SettlementData) *MatchedPair {
	return &MatchedPair{
		ID:             uuid.NewString(),
		IntentA:        a,
		IntentB:        b,
		MatchedAt:      time.Now(),
		ExpectedProfit: 0,
		Settlement:     settlement,
	}
}

// MatchRetryState tracks backoff metadata for a pair that has failed
// settlement at least once.
type MatchRetryState struct {
	Failures        uint64
	NextRetryAtUnix int64
	Terminal        bool
	TerminalReason  string
}

// Stats is the cardinality of the two top-level indexes.
type Stats struct {
	PendingIntents int
	MatchedPairs   int
}
