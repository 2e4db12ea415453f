package store

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
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testOffer(t *testing.T, now time.Time, ttl time.Duration) model.Subscription {
	t.Helper()
	owner := crypto.MustNodeID(make([]byte, 20))
	props := model.PropertySet{"cpu.cores": model.IntValue(4)}
	id := ids.NewSubscriptionID(owner, ids.RoleOffer, props.HashInputs(), "")
	return model.Subscription{
		ID:           id,
		Role:         ids.RoleOffer,
		NodeID:       owner,
		Properties:   props,
		Constraints:  "",
		CreationTS:   now,
		ExpirationTS: now.Add(ttl),
	}
}

func TestPutOfferInsertsAndRejectsDuplicateActive(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, now, time.Hour)

	result, err := s.PutOffer(context.Background(), offer, now)
	if err != nil {
		t.Fatalf("put_offer: %v", err)
	}
	if !result.Inserted || result.State != model.StateActive {
		t.Fatalf("expected insert into Active, got %+v", result)
	}

	result2, err := s.PutOffer(context.Background(), offer, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("put_offer duplicate: %v", err)
	}
	if result2.Inserted || result2.State != model.StateActive {
		t.Fatalf("expected duplicate rejected as Active, got %+v", result2)
	}
}

func TestPutOfferRejectsExpired(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC()
	offer := testOffer(t, now.Add(-time.Hour), time.Minute)

	result, err := s.PutOffer(context.Background(), offer, now)
	if err != nil {
		t.Fatalf("put_offer: %v", err)
	}
	if result.Inserted || result.State != model.StateExpired {
		t.Fatalf("expected Expired rejection, got %+v", result)
	}
}

func TestUnsubscribeBlocksFuturePutOffer(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, now, time.Hour)

	if _, err := s.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer: %v", err)
	}

	transitioned, err := s.Unsubscribe(context.Background(), offer.ID, offer.NodeID, now.Add(time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if !transitioned {
		t.Fatalf("expected Active -> Unsubscribed transition")
	}

	state, err := s.GetState(context.Background(), offer.ID, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("get_state: %v", err)
	}
	if state != model.StateUnsubscribed {
		t.Fatalf("expected Unsubscribed, got %s", state)
	}

	result, err := s.PutOffer(context.Background(), offer, now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("put_offer after unsubscribe: %v", err)
	}
	if result.State != model.StateUnsubscribed {
		t.Fatalf("expected put_offer blocked by marker, got %+v", result)
	}
}

func TestGetKnownIDs(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, now, time.Hour)
	if _, err := s.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer: %v", err)
	}

	unknown := ids.NewSubscriptionID(offer.NodeID, ids.RoleDemand, offer.Properties.HashInputs(), "")
	known, err := s.GetKnownIDs(context.Background(), []ids.SubscriptionID{offer.ID, unknown})
	if err != nil {
		t.Fatalf("get_known_ids: %v", err)
	}
	if !known[offer.ID] {
		t.Fatalf("expected offer id to be known")
	}
	if known[unknown] {
		t.Fatalf("unexpected unknown id reported known")
	}
}

func TestGetScanOffersOrdersByInsertionTS(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	first := testOffer(t, now, time.Hour)
	second := testOffer(t, now, time.Hour)
	second.Constraints = "(cpu.cores>=1)"
	second.ID = ids.NewSubscriptionID(second.NodeID, ids.RoleOffer, second.Properties.HashInputs(), second.Constraints)

	if _, err := s.PutOffer(context.Background(), first, now); err != nil {
		t.Fatalf("put_offer first: %v", err)
	}
	if _, err := s.PutOffer(context.Background(), second, now.Add(time.Second)); err != nil {
		t.Fatalf("put_offer second: %v", err)
	}

	offers, err := s.GetScanOffers(context.Background(), nil, now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("get_scan_offers: %v", err)
	}
	if len(offers) != 2 || offers[0].ID != first.ID || offers[1].ID != second.ID {
		t.Fatalf("unexpected scan order: %+v", offers)
	}

	since := now // PutOffer pinned first's insertion_ts to now
	offers, err = s.GetScanOffers(context.Background(), &since, now.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("get_scan_offers with cursor: %v", err)
	}
	if len(offers) != 1 || offers[0].ID != second.ID {
		t.Fatalf("expected cursor to skip first offer, got %+v", offers)
	}
}

func TestCleanDeletesExpiredRows(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, now.Add(-time.Hour), time.Second)
	if _, err := s.PutOffer(context.Background(), offer, now.Add(-time.Hour)); err != nil {
		t.Fatalf("put_offer: %v", err)
	}

	if err := s.Clean(context.Background(), now); err != nil {
		t.Fatalf("clean: %v", err)
	}

	state, err := s.GetState(context.Background(), offer.ID, now)
	if err != nil {
		t.Fatalf("get_state: %v", err)
	}
	if state != model.StateNotFound {
		t.Fatalf("expected row deleted by clean, got %s", state)
	}
}
