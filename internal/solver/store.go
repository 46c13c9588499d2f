package solver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klingon-exchange/klingon-v2/internal/felt"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// Sentinel errors returned by Store methods.
var (
	ErrIntentNotFound    = errors.New("intent not found")
	ErrMatchNotFound     = errors.New("matched pair not found")
	ErrIntentNotPending  = errors.New("only a pending intent may be cancelled")
)

const (
	keyPendingSet = "intents:pending"
	keyMatchedSet = "intents:matched"
)

// Store is the durable index over intents, matched pairs, and anti-replay
// reservations. Implementations must never recursively acquire their own
// connection: methods that enumerate a set fetch the member list, release,
// then resolve each element through the normal Get* methods.
type Store interface {
	StoreIntent(ctx context.Context, intent *Intent) error
	GetIntent(ctx context.Context, nullifier string) (*Intent, error)
	GetPendingIntents(ctx context.Context) ([]*Intent, error)
	GetIntentsByPair(ctx context.Context, tokenIn, tokenOut string) ([]*Intent, error)
	GetIntentsByUser(ctx context.Context, user string) ([]*Intent, error)
	ReserveNonce(ctx context.Context, user string, nonce uint64, expiresAtUnix int64) (bool, error)
	UpdateIntentStatus(ctx context.Context, nullifier string, status IntentStatus, matchedWith, txHash string) error
	StoreMatchedPair(ctx context.Context, pair *MatchedPair) error
	GetMatchedPair(ctx context.Context, id string) (*MatchedPair, error)
	MarkMatchSettled(ctx context.Context, id string) error
	GetUnsettledMatches(ctx context.Context) ([]*MatchedPair, error)
	GetMatchRetryState(ctx context.Context, id string) (*MatchRetryState, error)
	BumpMatchRetryState(ctx context.Context, id string, nextRetryAtUnix int64) error
	ClearMatchRetryState(ctx context.Context, id string) error
	GetStats(ctx context.Context) (Stats, error)
	CancelIntent(ctx context.Context, nullifier string) error
	Close() error
}

// RedisStore implements Store atop a pooled go-redis client.
type RedisStore struct {
	rdb *redis.Client
	log *logging.Logger
}

// Config configures a new RedisStore.
type Config struct {
	RedisURL string
}

// New dials Redis and returns a RedisStore.
func New(ctx context.Context, cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{rdb: rdb, log: logging.GetDefault().Component("store")}, nil
}

// NewWithClient wraps an already-constructed go-redis client (used by
// tests against miniredis).
func NewWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, log: logging.GetDefault().Component("store")}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func intentKey(nullifier string) string { return "intent:" + nullifier }
func matchedKey(id string) string       { return "matched:" + id }
func pairKey(tokenIn, tokenOut string) string {
	return fmt.Sprintf("intents:pair:%s:%s", tokenIn, tokenOut)
}
func nonceKey(user string, nonce uint64) string { return fmt.Sprintf("nonce:%s:%d", user, nonce) }
func retryKey(id string) string                 { return "match:retry:" + id }

// userIndexKey canonicalizes an address by felt value when possible
// (removing zero-padding/casing differences). Addresses that fail to parse
// fall back to a lowercase trimmed string so the intent isn't lost.
func userIndexKey(user string) string {
	f, err := felt.ParseAny(strings.TrimSpace(user))
	if err == nil {
		return "intents:user:" + felt.Hex(f)
	}
	return "intents:user:" + strings.ToLower(strings.TrimSpace(user))
}

// StoreIntent writes the primary record and the three secondary set
// memberships (pending, user, pair).
func (s *RedisStore) StoreIntent(ctx context.Context, intent *Intent) error {
	value, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	ttl := intent.ExpiresAt.Sub(intent.CreatedAt)
	if ttl < time.Second {
		ttl = time.Second
	}

	key := intentKey(intent.Nullifier)
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store intent: %w", err)
	}
	if err := s.rdb.SAdd(ctx, keyPendingSet, intent.Nullifier).Err(); err != nil {
		return fmt.Errorf("index pending: %w", err)
	}
	if err := s.rdb.SAdd(ctx, userIndexKey(intent.PublicInputs.User), intent.Nullifier).Err(); err != nil {
		return fmt.Errorf("index user: %w", err)
	}
	if err := s.rdb.SAdd(ctx, pairKey(intent.PublicInputs.TokenIn, intent.PublicInputs.TokenOut), intent.Nullifier).Err(); err != nil {
		return fmt.Errorf("index pair: %w", err)
	}

	s.log.Debug("stored intent", "nullifier", intent.Nullifier, "ttl", ttl)
	return nil
}

// GetIntent returns the primary record, or nil if absent/TTL-expired.
func (s *RedisStore) GetIntent(ctx context.Context, nullifier string) (*Intent, error) {
	value, err := s.rdb.Get(ctx, intentKey(nullifier)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	var intent Intent
	if err := json.Unmarshal([]byte(value), &intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &intent, nil
}

// resolveNullifiers fetches the given nullifiers' primary records without
// holding any connection across the enumerate and resolve phases —
// enumeration already completed by the time this is called.
func (s *RedisStore) resolveNullifiers(ctx context.Context, nullifiers []string, filter func(*Intent) bool) ([]*Intent, error) {
	intents := make([]*Intent, 0, len(nullifiers))
	for _, nf := range nullifiers {
		intent, err := s.GetIntent(ctx, nf)
		if err != nil {
			return nil, err
		}
		if intent == nil {
			continue // stale set member; primary record expired
		}
		if filter == nil || filter(intent) {
			intents = append(intents, intent)
		}
	}
	return intents, nil
}

func canMatchFilter(i *Intent) bool { return i.CanMatch() }

// GetPendingIntents reads the pending set, then resolves each member.
func (s *RedisStore) GetPendingIntents(ctx context.Context) ([]*Intent, error) {
	nullifiers, err := s.rdb.SMembers(ctx, keyPendingSet).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers pending: %w", err)
	}
	return s.resolveNullifiers(ctx, nullifiers, canMatchFilter)
}

// GetIntentsByPair reads a token-pair set, then resolves each member.
func (s *RedisStore) GetIntentsByPair(ctx context.Context, tokenIn, tokenOut string) ([]*Intent, error) {
	nullifiers, err := s.rdb.SMembers(ctx, pairKey(tokenIn, tokenOut)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers pair: %w", err)
	}
	return s.resolveNullifiers(ctx, nullifiers, canMatchFilter)
}

// GetIntentsByUser returns all statuses for a user. If the per-user index
// is empty (legacy data written before the index existed), falls back to
// scanning the pending set and filtering by user, for compatibility.
func (s *RedisStore) GetIntentsByUser(ctx context.Context, user string) ([]*Intent, error) {
	nullifiers, err := s.rdb.SMembers(ctx, userIndexKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers user: %w", err)
	}
	if len(nullifiers) > 0 {
		return s.resolveNullifiers(ctx, nullifiers, nil)
	}

	pending, err := s.GetPendingIntents(ctx)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, i := range pending {
		if strings.EqualFold(i.PublicInputs.User, user) {
			out = append(out, i)
		}
	}
	return out, nil
}

// ReserveNonce atomically reserves (user, nonce) for the duration of its
// TTL. Returns false if already reserved.
func (s *RedisStore) ReserveNonce(ctx context.Context, user string, nonce uint64, expiresAtUnix int64) (bool, error) {
	ttl := expiresAtUnix - time.Now().Unix()
	if ttl < 1 {
		ttl = 1
	}
	ok, err := s.rdb.SetNX(ctx, nonceKey(user, nonce), "1", time.Duration(ttl)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("reserve nonce: %w", err)
	}
	return ok, nil
}

// UpdateIntentStatus performs a read-modify-write of the primary record,
// removing the nullifier from the pending set when the new status is
// terminal-for-matching (Matched or Settled).
func (s *RedisStore) UpdateIntentStatus(ctx context.Context, nullifier string, status IntentStatus, matchedWith, txHash string) error {
	intent, err := s.GetIntent(ctx, nullifier)
	if err != nil {
		return err
	}
	if intent == nil {
		return fmt.Errorf("update status %s: %w", nullifier, ErrIntentNotFound)
	}

	intent.Status = status
	intent.MatchedWith = matchedWith
	intent.SettlementTxHash = txHash

	value, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	if err := s.rdb.Set(ctx, intentKey(nullifier), value, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update intent: %w", err)
	}

	if status == StatusMatched || status == StatusSettled {
		if err := s.rdb.SRem(ctx, keyPendingSet, nullifier).Err(); err != nil {
			return fmt.Errorf("remove from pending: %w", err)
		}
	}

	s.log.Debug("updated intent status", "nullifier", nullifier, "status", status)
	return nil
}

// CancelIntent transitions a Pending intent to Cancelled and removes it from
// the pending set. Any other current status is rejected: a Matched or
// Settled intent has already left the admission pipeline's control, and an
// already-Cancelled intent has nothing left to cancel.
func (s *RedisStore) CancelIntent(ctx context.Context, nullifier string) error {
	intent, err := s.GetIntent(ctx, nullifier)
	if err != nil {
		return err
	}
	if intent == nil {
		return fmt.Errorf("cancel intent %s: %w", nullifier, ErrIntentNotFound)
	}
	if intent.Status != StatusPending {
		return fmt.Errorf("cancel intent %s (status=%s): %w", nullifier, intent.Status, ErrIntentNotPending)
	}

	intent.Status = StatusCancelled
	value, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	if err := s.rdb.Set(ctx, intentKey(nullifier), value, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	if err := s.rdb.SRem(ctx, keyPendingSet, nullifier).Err(); err != nil {
		return fmt.Errorf("remove from pending: %w", err)
	}

	s.log.Debug("cancelled intent", "nullifier", nullifier)
	return nil
}

// StoreMatchedPair writes a MatchedPair and adds it to the matched set.
func (s *RedisStore) StoreMatchedPair(ctx context.Context, pair *MatchedPair) error {
	value, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshal matched pair: %w", err)
	}
	if err := s.rdb.Set(ctx, matchedKey(pair.ID), value, 0).Err(); err != nil {
		return fmt.Errorf("store matched pair: %w", err)
	}
	if err := s.rdb.SAdd(ctx, keyMatchedSet, pair.ID).Err(); err != nil {
		return fmt.Errorf("index matched: %w", err)
	}
	return nil
}

// GetMatchedPair returns a matched pair by id, or nil if absent.
func (s *RedisStore) GetMatchedPair(ctx context.Context, id string) (*MatchedPair, error) {
	value, err := s.rdb.Get(ctx, matchedKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get matched pair: %w", err)
	}
	var pair MatchedPair
	if err := json.Unmarshal([]byte(value), &pair); err != nil {
		return nil, fmt.Errorf("decode matched pair: %w", err)
	}
	return &pair, nil
}

// MarkMatchSettled removes a matched pair from the set and deletes its
// payload, avoiding stale views. Idempotent.
func (s *RedisStore) MarkMatchSettled(ctx context.Context, id string) error {
	if err := s.rdb.SRem(ctx, keyMatchedSet, id).Err(); err != nil {
		return fmt.Errorf("remove from matched set: %w", err)
	}
	if err := s.rdb.Del(ctx, matchedKey(id)).Err(); err != nil {
		return fmt.Errorf("delete matched payload: %w", err)
	}
	return s.ClearMatchRetryState(ctx, id)
}

// GetUnsettledMatches returns matched pairs whose A leg is not yet Settled,
// opportunistically skipping set members whose payload has disappeared.
func (s *RedisStore) GetUnsettledMatches(ctx context.Context) ([]*MatchedPair, error) {
	ids, err := s.rdb.SMembers(ctx, keyMatchedSet).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers matched: %w", err)
	}

	pairs := make([]*MatchedPair, 0, len(ids))
	for _, id := range ids {
		pair, err := s.GetMatchedPair(ctx, id)
		if err != nil {
			return nil, err
		}
		if pair == nil {
			continue
		}
		if pair.IntentA.Status != StatusSettled {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

// matchRetryPayload is the hash shape stored at match:retry:{id}.
type matchRetryPayload struct {
	Failures        uint64 `json:"failures"`
	NextRetryAtUnix int64  `json:"next_retry_at_unix"`
	Terminal        bool   `json:"terminal"`
	TerminalReason  string `json:"terminal_reason"`
}

const matchRetryTTL = 7 * 24 * time.Hour

// GetMatchRetryState returns the backoff metadata for a pair, or nil if
// the pair has never failed settlement.
func (s *RedisStore) GetMatchRetryState(ctx context.Context, id string) (*MatchRetryState, error) {
	value, err := s.rdb.Get(ctx, retryKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get retry state: %w", err)
	}
	var p matchRetryPayload
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, fmt.Errorf("decode retry state: %w", err)
	}
	return &MatchRetryState{Failures: p.Failures, NextRetryAtUnix: p.NextRetryAtUnix, Terminal: p.Terminal, TerminalReason: p.TerminalReason}, nil
}

// BumpMatchRetryState increments the failure counter and sets the next
// retry time.
func (s *RedisStore) BumpMatchRetryState(ctx context.Context, id string, nextRetryAtUnix int64) error {
	current, err := s.GetMatchRetryState(ctx, id)
	if err != nil {
		return err
	}
	p := matchRetryPayload{}
	if current != nil {
		p.Failures = current.Failures
		p.Terminal = current.Terminal
		p.TerminalReason = current.TerminalReason
	}
	p.Failures++
	p.NextRetryAtUnix = nextRetryAtUnix

	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal retry state: %w", err)
	}
	return s.rdb.Set(ctx, retryKey(id), value, matchRetryTTL).Err()
}

// ClearMatchRetryState removes backoff metadata for a pair. Idempotent.
func (s *RedisStore) ClearMatchRetryState(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, retryKey(id)).Err()
}

// GetStats returns the cardinality of the pending and matched sets.
func (s *RedisStore) GetStats(ctx context.Context) (Stats, error) {
	pending, err := s.rdb.SCard(ctx, keyPendingSet).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("scard pending: %w", err)
	}
	matched, err := s.rdb.SCard(ctx, keyMatchedSet).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("scard matched: %w", err)
	}
	return Stats{PendingIntents: int(pending), MatchedPairs: int(matched)}, nil
}
