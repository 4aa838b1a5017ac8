package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"video-pipeline/internal/models"
	"video-pipeline/internal/telemetry"
)

// Store is the narrow persistence interface for user records. No assumption
// is made about the underlying storage technology; unknown users surface as
// models.ErrUserNotFound.
type Store interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	CreateUser(ctx context.Context, user models.User) error
	SaveUser(ctx context.Context, user models.User) error
}

// PaymentLog records externally confirmed payments so that webhook
// redelivery credits the same payment reference at most once.
type PaymentLog interface {
	// MarkCredited returns false when the reference was already recorded.
	MarkCredited(ctx context.Context, paymentRef, userID string) (bool, error)
}

// Ledger tracks per-user entitlement. All mutations for one user are
// serialized through a per-user lock so concurrent completions never observe
// the same pre-debit credit count.
type Ledger struct {
	store    Store
	payments PaymentLog

	mu      sync.Mutex
	userMu  map[string]*sync.Mutex
	debited map[string]struct{}
}

func NewLedger(store Store, payments PaymentLog) *Ledger {
	return &Ledger{
		store:    store,
		payments: payments,
		userMu:   make(map[string]*sync.Mutex),
		debited:  make(map[string]struct{}),
	}
}

func (l *Ledger) userLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.userMu[id]
	if !ok {
		m = &sync.Mutex{}
		l.userMu[id] = m
	}
	return m
}

// TryReserve reports whether userID may start a job right now. A user seen
// for the first time is created with one free-tier credit. Nothing is
// consumed here; the debit happens only after the job fully succeeds.
func (l *Ledger) TryReserve(ctx context.Context, userID string) (bool, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	user, err := l.getOrCreate(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.HasActiveSubscription(time.Now()) {
		return true, nil
	}
	return user.VideosLeft >= 1, nil
}

// Debit consumes one credit for a successfully completed job. It is
// idempotent per jobID: replaying a debit already recorded is a no-op
// success. Paid-tier users are never decremented.
func (l *Ledger) Debit(ctx context.Context, userID, jobID string) error {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	l.mu.Lock()
	_, done := l.debited[jobID]
	l.mu.Unlock()
	if done {
		return nil
	}

	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return models.NewPipelineError(models.KindQuotaInconsistent, "quota record unavailable", err)
	}

	if !user.HasActiveSubscription(time.Now()) {
		if user.VideosLeft < 1 {
			return models.NewPipelineError(models.KindQuotaInconsistent,
				fmt.Sprintf("no credit left to debit for user %s", userID), nil)
		}
		user.VideosLeft--
		user.UpdatedAt = time.Now().UTC()
		if err := l.store.SaveUser(ctx, user); err != nil {
			return models.NewPipelineError(models.KindQuotaInconsistent, "persist debit", err)
		}
	}

	l.mu.Lock()
	l.debited[jobID] = struct{}{}
	l.mu.Unlock()
	return nil
}

// CreditSubscription applies a confirmed external payment. Redelivered
// webhooks for the same payment reference are absorbed by the payment log.
func (l *Ledger) CreditSubscription(ctx context.Context, userID, tier string, expiry time.Time, paymentRef string) error {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	applied, err := l.payments.MarkCredited(ctx, paymentRef, userID)
	if err != nil {
		return fmt.Errorf("record payment %s: %w", paymentRef, err)
	}
	if !applied {
		return nil
	}

	user, err := l.getOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	user.Tier = tier
	if tier == models.TierPaid {
		user.SubscriptionExpires = &expiry
	}
	user.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("persist subscription for %s: %w", userID, err)
	}
	telemetry.PaymentsCredited.Inc()
	return nil
}

// Balance returns the current quota record, creating it on first contact.
func (l *Ledger) Balance(ctx context.Context, userID string) (models.User, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return l.getOrCreate(ctx, userID)
}

// getOrCreate must be called with the user's lock held.
func (l *Ledger) getOrCreate(ctx context.Context, userID string) (models.User, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return models.User{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	now := time.Now().UTC()
	user = models.User{
		ID:         userID,
		Tier:       models.TierFree,
		VideosLeft: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.CreateUser(ctx, user); err != nil {
		return models.User{}, fmt.Errorf("create user %s: %w", userID, err)
	}
	return user, nil
}
