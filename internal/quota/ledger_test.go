package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"video-pipeline/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	users    map[string]models.User
	payments map[string]string
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]models.User),
		payments: make(map[string]string),
	}
}

func (s *fakeStore) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return u, nil
}

func (s *fakeStore) CreateUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %s exists", u.ID)
	}
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) SaveUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) MarkCredited(_ context.Context, ref, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.payments[ref]; seen {
		return false, nil
	}
	s.payments[ref] = userID
	return true, nil
}

func (s *fakeStore) credits(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id].VideosLeft
}

func TestTryReserveFirstContact(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	ledger := NewLedger(st, st)

	ok, err := ledger.TryReserve(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("first contact should reserve, ok=%v err=%v", ok, err)
	}
	if got := st.credits("u1"); got != 1 {
		t.Fatalf("first contact should create 1 credit, got %d", got)
	}
}

func TestTryReserveExhaustedAndPaid(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.users["broke"] = models.User{ID: "broke", Tier: models.TierFree, VideosLeft: 0}
	expiry := time.Now().Add(time.Hour)
	st.users["vip"] = models.User{ID: "vip", Tier: models.TierPaid, SubscriptionExpires: &expiry}
	expired := time.Now().Add(-time.Hour)
	st.users["lapsed"] = models.User{ID: "lapsed", Tier: models.TierPaid, SubscriptionExpires: &expired}

	ledger := NewLedger(st, st)

	if ok, _ := ledger.TryReserve(ctx, "broke"); ok {
		t.Fatalf("exhausted free user should not reserve")
	}
	if ok, _ := ledger.TryReserve(ctx, "vip"); !ok {
		t.Fatalf("active subscription should always reserve")
	}
	if ok, _ := ledger.TryReserve(ctx, "lapsed"); ok {
		t.Fatalf("expired subscription with no credits should not reserve")
	}
}

func TestDebitIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.users["u1"] = models.User{ID: "u1", Tier: models.TierFree, VideosLeft: 3}
	ledger := NewLedger(st, st)

	for i := 0; i < 5; i++ {
		if err := ledger.Debit(ctx, "u1", "job-1"); err != nil {
			t.Fatalf("debit replay %d: %v", i, err)
		}
	}
	if got := st.credits("u1"); got != 2 {
		t.Fatalf("replayed debit must decrement once, got %d credits", got)
	}
}

func TestDebitNeverNegativeUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.users["u1"] = models.User{ID: "u1", Tier: models.TierFree, VideosLeft: 5}
	ledger := NewLedger(st, st)

	const jobs = 8
	var wg sync.WaitGroup
	errs := make([]error, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ledger.Debit(ctx, "u1", fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if models.KindOf(err) != models.KindQuotaInconsistent {
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 5 {
		t.Fatalf("expected exactly 5 successful debits, got %d", succeeded)
	}
	if got := st.credits("u1"); got != 0 {
		t.Fatalf("credits must land at 0, got %d", got)
	}
}

func TestDebitPaidTierNoop(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	expiry := time.Now().Add(time.Hour)
	st.users["vip"] = models.User{ID: "vip", Tier: models.TierPaid, VideosLeft: 2, SubscriptionExpires: &expiry}
	ledger := NewLedger(st, st)

	if err := ledger.Debit(ctx, "vip", "job-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := st.credits("vip"); got != 2 {
		t.Fatalf("paid tier must not be decremented, got %d", got)
	}
}

func TestDebitVanishedRecord(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	ledger := NewLedger(st, st)

	err := ledger.Debit(ctx, "ghost", "job-1")
	if models.KindOf(err) != models.KindQuotaInconsistent {
		t.Fatalf("expected quota_inconsistent, got %v", err)
	}
}

func TestDebitSaveFailure(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.users["u1"] = models.User{ID: "u1", Tier: models.TierFree, VideosLeft: 1}
	st.saveErr = errors.New("disk on fire")
	ledger := NewLedger(st, st)

	err := ledger.Debit(ctx, "u1", "job-1")
	if models.KindOf(err) != models.KindQuotaInconsistent {
		t.Fatalf("expected quota_inconsistent, got %v", err)
	}
}

func TestCreditSubscriptionIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	ledger := NewLedger(st, st)
	expiry := time.Now().Add(30 * 24 * time.Hour)

	// Webhook redelivery of the same payment reference.
	for i := 0; i < 3; i++ {
		if err := ledger.CreditSubscription(ctx, "u1", models.TierPaid, expiry, "pay-abc"); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	u, err := ledger.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if u.Tier != models.TierPaid {
		t.Fatalf("expected paid tier, got %q", u.Tier)
	}
	if !u.HasActiveSubscription(time.Now()) {
		t.Fatalf("subscription should be active")
	}
	if len(st.payments) != 1 {
		t.Fatalf("payment reference recorded %d times", len(st.payments))
	}
}
