package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/mathhhys/blue-byte-booster/internal/model"
	"github.com/mathhhys/blue-byte-booster/internal/repository"
)

// Admission is the guard's verdict on one delivery of an event.
type Admission struct {
	ShouldProcess bool
	Reason        string
	Previous      *model.ProcessedEvent
}

// Locker serializes concurrent deliveries of the same event id. Lock
// returns ErrEventInFlight when another holder exists.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string, time.Duration) (func(), error) { return func() {}, nil }

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX. Redis errors degrade to an
// unlocked run; the database constraints still prevent double application.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker returns a Locker backed by rdb, or a no-op locker when rdb
// is nil.
func NewRedisLocker(rdb *redis.Client) Locker {
	if rdb == nil {
		return noopLocker{}
	}
	return &RedisLocker{rdb: rdb, prefix: "billing-event:"}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("event_id", key).Msg("Event lock unavailable; continuing without it")
		return func() {}, nil
	}
	if !ok {
		return nil, ErrEventInFlight
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("event_id", key).Msg("Failed to release event lock")
		}
	}, nil
}

// Guard decides whether a billing event still needs to be applied and
// records the outcome of each attempt.
type Guard struct {
	events  *repository.ProcessedEventRepo
	credits *repository.CreditRepo
	locker  Locker
	lockTTL time.Duration
}

// NewGuard builds a Guard. A nil locker disables in-flight locking.
func NewGuard(events *repository.ProcessedEventRepo, credits *repository.CreditRepo, locker Locker, lockTTL time.Duration) *Guard {
	if locker == nil {
		locker = noopLocker{}
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Guard{events: events, credits: credits, locker: locker, lockTTL: lockTTL}
}

// Lock takes the in-flight lock for eventID.
func (g *Guard) Lock(ctx context.Context, eventID string) (func(), error) {
	return g.locker.Lock(ctx, eventID, g.lockTTL)
}

// GrantCheck reports whether applying an event now would grant credits.
type GrantCheck func(ctx context.Context) (bool, error)

// Admit reports whether eventID should be processed. An event is skipped
// only when a success record exists and, whenever grantDue says the event
// would grant credits or the earlier run recorded a grant, the ledger row
// referencing eventID is present. grantDue is consulted only for events
// already recorded as successful and may be nil.
func (g *Guard) Admit(ctx context.Context, eventID, eventType string, grantDue GrantCheck) (Admission, error) {
	prev, err := g.events.Get(ctx, eventID)
	if errors.Is(err, repository.ErrEventNotFound) {
		return Admission{ShouldProcess: true, Reason: "new event"}, nil
	}
	if err != nil {
		return Admission{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	if prev.Status != model.EventSuccess {
		return Admission{ShouldProcess: true, Reason: "retrying failed event", Previous: prev}, nil
	}
	check := prev.CreditGranted
	if !check && grantDue != nil {
		if check, err = grantDue(ctx); err != nil {
			return Admission{}, fmt.Errorf("grant check for %s: %w", eventID, err)
		}
	}
	if check {
		has, err := g.credits.HasReference(ctx, g.credits.DB(), eventID)
		if err != nil {
			return Admission{}, err
		}
		if !has {
			log.Warn().Str("event_id", eventID).Str("event_type", eventType).
				Msg("Event recorded as processed but its credit transaction is missing; reprocessing")
			return Admission{ShouldProcess: true, Reason: "credit transaction missing", Previous: prev}, nil
		}
	}
	return Admission{ShouldProcess: false, Reason: "duplicate", Previous: prev}, nil
}

// RecordSuccess marks eventID as applied.
func (g *Guard) RecordSuccess(ctx context.Context, eventID, eventType string, payload []byte, creditGranted bool) error {
	return g.events.MarkSuccess(ctx, &model.ProcessedEvent{
		EventID:       eventID,
		EventType:     eventType,
		Payload:       payload,
		PayloadHash:   PayloadHash(payload),
		CreditGranted: creditGranted,
	})
}

// RecordFailure stores a failed attempt without overwriting a success.
func (g *Guard) RecordFailure(ctx context.Context, eventID, eventType, reason string) error {
	return g.events.MarkFailed(ctx, eventID, eventType, reason)
}

// PayloadHash is the hex BLAKE2b-256 digest of an event payload.
func PayloadHash(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
