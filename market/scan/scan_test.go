package scan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/discovery"
	"golemmarket/market/model"
	"golemmarket/market/store"
)

func testNode(t *testing.T, seed byte) crypto.NodeID {
	t.Helper()
	b := make([]byte, 20)
	b[0] = seed
	return crypto.MustNodeID(b)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := store.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testOffer(t *testing.T, owner crypto.NodeID, cores int64, now time.Time) model.Subscription {
	t.Helper()
	props := model.PropertySet{"cpu.cores": model.IntValue(cores)}
	id := ids.NewSubscriptionID(owner, ids.RoleOffer, props.HashInputs(), "")
	return model.Subscription{
		ID:           id,
		Role:         ids.RoleOffer,
		NodeID:       owner,
		Properties:   props,
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
	}
}

func TestCollectReturnsImmediatelyWhenOffersAlreadyMatch(t *testing.T) {
	st := testStore(t)
	self := testNode(t, 1)
	owner := testNode(t, 2)
	now := time.Now().UTC().Truncate(time.Second)

	offer := testOffer(t, owner, 8, now)
	if _, err := st.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put offer: %v", err)
	}

	e := New(self, st, bus.NewNetwork().NewBus(self), nil)
	scanID, err := e.Begin(self, model.ScanOffer, "(cpu.cores>=4)", time.Minute, 10*time.Second, now)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	results, err := e.Collect(context.Background(), scanID, self, 10, now)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(results) != 1 || results[0].ID != offer.ID {
		t.Fatalf("expected exactly the matching offer, got %+v", results)
	}
}

func TestCollectBlocksThenWakesOnInsert(t *testing.T) {
	st := testStore(t)
	self := testNode(t, 1)
	owner := testNode(t, 2)
	now := time.Now().UTC().Truncate(time.Second)

	e := New(self, st, bus.NewNetwork().NewBus(self), nil)
	scanID, err := e.Begin(self, model.ScanOffer, "(cpu.cores>=4)", 5*time.Second, 5*time.Second, now)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	resultCh := make(chan []model.Subscription, 1)
	errCh := make(chan error, 1)
	go func() {
		results, err := e.Collect(context.Background(), scanID, self, 10, now)
		resultCh <- results
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	offer := testOffer(t, owner, 8, now.Add(10*time.Millisecond))
	if _, err := st.PutOffer(context.Background(), offer, now.Add(10*time.Millisecond)); err != nil {
		t.Fatalf("put offer: %v", err)
	}

	select {
	case results := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("collect: %v", err)
		}
		if len(results) != 1 || results[0].ID != offer.ID {
			t.Fatalf("expected the newly inserted offer, got %+v", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("collect did not wake up on offers-changed")
	}
}

func TestCollectExpiresAfterDeadline(t *testing.T) {
	st := testStore(t)
	self := testNode(t, 1)
	now := time.Now().UTC().Truncate(time.Second)

	e := New(self, st, bus.NewNetwork().NewBus(self), nil)
	scanID, err := e.Begin(self, model.ScanOffer, "(cpu.cores>=4)", 20*time.Millisecond, 20*time.Millisecond, now)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := e.Collect(context.Background(), scanID, self, 10, now.Add(50*time.Millisecond)); err == nil {
		t.Fatalf("expected expired scan to error")
	}
}

func TestCollectRejectsWrongOwner(t *testing.T) {
	st := testStore(t)
	self := testNode(t, 1)
	other := testNode(t, 3)
	now := time.Now().UTC().Truncate(time.Second)

	e := New(self, st, bus.NewNetwork().NewBus(self), nil)
	scanID, err := e.Begin(self, model.ScanOffer, "", time.Minute, time.Minute, now)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if _, err := e.Collect(context.Background(), scanID, other, 10, now); err == nil {
		t.Fatalf("expected unauthorized error for non-owner collect")
	}
}

func TestEndRemovesScanner(t *testing.T) {
	st := testStore(t)
	self := testNode(t, 1)
	now := time.Now().UTC().Truncate(time.Second)

	e := New(self, st, bus.NewNetwork().NewBus(self), nil)
	scanID, err := e.Begin(self, model.ScanOffer, "", time.Minute, time.Minute, now)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := e.End(scanID, self); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := e.Collect(context.Background(), scanID, self, 10, now); err == nil {
		t.Fatalf("expected collect on ended scan to fail")
	}
}

func TestSweepDropsExpiredUnreferencedScanners(t *testing.T) {
	st := testStore(t)
	self := testNode(t, 1)
	now := time.Now().UTC().Truncate(time.Second)

	e := New(self, st, bus.NewNetwork().NewBus(self), nil)
	if _, err := e.Begin(self, model.ScanOffer, "", 10*time.Millisecond, 10*time.Millisecond, now); err != nil {
		t.Fatalf("begin: %v", err)
	}

	if dropped := e.Sweep(now); dropped != 0 {
		t.Fatalf("expected nothing swept before expiry, got %d", dropped)
	}
	if dropped := e.Sweep(now.Add(50 * time.Millisecond)); dropped != 1 {
		t.Fatalf("expected the expired scanner to be swept, got %d", dropped)
	}
}

func TestDirectPeerScanFlagsOldPeer(t *testing.T) {
	net := bus.NewNetwork()
	self := testNode(t, 1)
	oldPeer := testNode(t, 2)
	net.NewBus(oldPeer) // never binds query-offers/retrieve-offers

	selfStore := testStore(t)
	e := New(self, selfStore, net.NewBus(self), nil)

	result, err := e.DirectPeerScan(context.Background(), oldPeer, nil, 10)
	if err != nil {
		t.Fatalf("direct peer scan: %v", err)
	}
	if !result.OldPeer {
		t.Fatalf("expected OldPeer to be flagged for a peer with no query-offers endpoint")
	}
}

func TestDirectPeerScanPersistsCursorAcrossCalls(t *testing.T) {
	net := bus.NewNetwork()
	self := testNode(t, 1)
	peerID := testNode(t, 2)
	now := time.Now().UTC().Truncate(time.Second)

	peerStore := testStore(t)
	offer := testOffer(t, peerID, 4, now)
	if _, err := peerStore.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("seed peer offer: %v", err)
	}
	if _, err := discovery.New(discovery.DefaultConfig(), peerID, peerStore, net.NewBus(peerID), nil); err != nil {
		t.Fatalf("new peer discovery: %v", err)
	}

	cursorPath := t.TempDir() + "/cursors.db"
	cursors, err := OpenCursorStore(cursorPath)
	if err != nil {
		t.Fatalf("open cursor store: %v", err)
	}
	defer cursors.Close()

	e := New(self, testStore(t), net.NewBus(self), cursors)

	result, err := e.DirectPeerScan(context.Background(), peerID, nil, 10)
	if err != nil {
		t.Fatalf("direct peer scan: %v", err)
	}
	if len(result.Offers) != 1 {
		t.Fatalf("expected one offer from the peer, got %d", len(result.Offers))
	}

	persisted, err := cursors.Get(peerID)
	if err != nil {
		t.Fatalf("get persisted cursor: %v", err)
	}
	if persisted == nil || !persisted.Equal(now) {
		t.Fatalf("expected persisted cursor to equal the fetched offer's insertion_ts")
	}

	// A second scan with no explicit `since` picks up the persisted cursor
	// and so should not re-fetch the already-seen offer.
	result, err = e.DirectPeerScan(context.Background(), peerID, nil, 10)
	if err != nil {
		t.Fatalf("second direct peer scan: %v", err)
	}
	if len(result.Offers) != 0 {
		t.Fatalf("expected no new offers on a rescan from the persisted cursor, got %d", len(result.Offers))
	}
}

func TestDirectPeerScanManyQueriesPeersConcurrently(t *testing.T) {
	net := bus.NewNetwork()
	self := testNode(t, 1)
	peerA := testNode(t, 2)
	peerB := testNode(t, 3)
	oldPeer := testNode(t, 4)
	now := time.Now().UTC().Truncate(time.Second)

	peerAStore := testStore(t)
	if _, err := peerAStore.PutOffer(context.Background(), testOffer(t, peerA, 2, now), now); err != nil {
		t.Fatalf("seed peer A offer: %v", err)
	}
	if _, err := discovery.New(discovery.DefaultConfig(), peerA, peerAStore, net.NewBus(peerA), nil); err != nil {
		t.Fatalf("new peer A discovery: %v", err)
	}

	peerBStore := testStore(t)
	if _, err := peerBStore.PutOffer(context.Background(), testOffer(t, peerB, 4, now), now); err != nil {
		t.Fatalf("seed peer B offer: %v", err)
	}
	if _, err := discovery.New(discovery.DefaultConfig(), peerB, peerBStore, net.NewBus(peerB), nil); err != nil {
		t.Fatalf("new peer B discovery: %v", err)
	}

	net.NewBus(oldPeer) // never binds query-offers/retrieve-offers

	e := New(self, testStore(t), net.NewBus(self), nil)

	results := e.DirectPeerScanMany(context.Background(), []crypto.NodeID{peerA, peerB, oldPeer}, nil, 10)
	if len(results) != 3 {
		t.Fatalf("expected a result for every queried peer, got %d", len(results))
	}
	if len(results[peerA].Offers) != 1 || len(results[peerB].Offers) != 1 {
		t.Fatalf("expected one offer from each live peer, got %+v", results)
	}
	if !results[oldPeer].OldPeer {
		t.Fatalf("expected the unbound peer to be flagged OldPeer")
	}
}
