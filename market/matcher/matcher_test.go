package matcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/model"
	"golemmarket/market/store"
)

func setupTestMatcher(t *testing.T) (*Matcher, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	q := NewProposalQueue()
	m := New(st, db, q, nil)
	if err := m.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate matcher: %v", err)
	}
	return m, st
}

func testSub(t *testing.T, role ids.SubscriptionRole, owner crypto.NodeID, now time.Time, props model.PropertySet, constraints string) model.Subscription {
	t.Helper()
	id := ids.NewSubscriptionID(owner, role, props.HashInputs(), constraints)
	return model.Subscription{
		ID:           id,
		Role:         role,
		NodeID:       owner,
		Properties:   props,
		Constraints:  constraints,
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
	}
}

func TestOnNewOfferMatchesCompatibleDemand(t *testing.T) {
	m, st := setupTestMatcher(t)
	now := time.Now().UTC().Truncate(time.Second)

	provider := crypto.MustNodeID(make([]byte, 20))
	requestorBytes := make([]byte, 20)
	requestorBytes[0] = 1
	requestor := crypto.MustNodeID(requestorBytes)

	demandProps := model.PropertySet{}
	demand := testSub(t, ids.RoleDemand, requestor, now, demandProps, "(cpu.cores>=4)")
	if _, err := st.PutOffer(context.Background(), demand, now); err != nil {
		t.Fatalf("put demand: %v", err)
	}

	offerProps := model.PropertySet{"cpu.cores": model.IntValue(8)}
	offer := testSub(t, ids.RoleOffer, provider, now, offerProps, "")
	if _, err := st.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put offer: %v", err)
	}

	if err := m.OnNewOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("on_new_offer: %v", err)
	}

	proposal, ok := m.queue.Pop(context.Background())
	if !ok {
		t.Fatalf("expected an initial proposal on the queue")
	}
	if proposal.Issuer != model.IssuerThem {
		t.Fatalf("expected initial proposal issued by Them, got %s", proposal.Issuer)
	}
	if proposal.State != model.ProposalInitial {
		t.Fatalf("expected Initial state, got %s", proposal.State)
	}
}

func TestOnNewOfferSkipsNonMatchingDemand(t *testing.T) {
	m, st := setupTestMatcher(t)
	now := time.Now().UTC().Truncate(time.Second)

	provider := crypto.MustNodeID(make([]byte, 20))
	requestorBytes := make([]byte, 20)
	requestorBytes[0] = 1
	requestor := crypto.MustNodeID(requestorBytes)

	demand := testSub(t, ids.RoleDemand, requestor, now, model.PropertySet{}, "(cpu.cores>=16)")
	if _, err := st.PutOffer(context.Background(), demand, now); err != nil {
		t.Fatalf("put demand: %v", err)
	}
	offer := testSub(t, ids.RoleOffer, provider, now, model.PropertySet{"cpu.cores": model.IntValue(8)}, "")
	if _, err := st.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put offer: %v", err)
	}

	if err := m.OnNewOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("on_new_offer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := m.queue.Pop(ctx); ok {
		t.Fatalf("expected no proposal for a non-matching pair")
	}
}

func TestDuplicatePairIsSuppressed(t *testing.T) {
	m, st := setupTestMatcher(t)
	now := time.Now().UTC().Truncate(time.Second)

	provider := crypto.MustNodeID(make([]byte, 20))
	requestorBytes := make([]byte, 20)
	requestorBytes[0] = 1
	requestor := crypto.MustNodeID(requestorBytes)

	demand := testSub(t, ids.RoleDemand, requestor, now, model.PropertySet{}, "")
	if _, err := st.PutOffer(context.Background(), demand, now); err != nil {
		t.Fatalf("put demand: %v", err)
	}
	offer := testSub(t, ids.RoleOffer, provider, now, model.PropertySet{}, "")
	if _, err := st.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put offer: %v", err)
	}

	if err := m.OnNewOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("first on_new_offer: %v", err)
	}
	if _, ok := m.queue.Pop(context.Background()); !ok {
		t.Fatalf("expected first match to produce a proposal")
	}

	if err := m.OnNewDemand(context.Background(), demand, now); err != nil {
		t.Fatalf("second match attempt: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := m.queue.Pop(ctx); ok {
		t.Fatalf("expected duplicate (offer_id, demand_id) pair to be suppressed")
	}
}
