package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
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

func testOffer(t *testing.T, owner crypto.NodeID, now time.Time, ttl time.Duration) model.Subscription {
	t.Helper()
	props := model.PropertySet{"cpu.cores": model.IntValue(4)}
	id := ids.NewSubscriptionID(owner, ids.RoleOffer, props.HashInputs(), "")
	return model.Subscription{
		ID:           id,
		Role:         ids.RoleOffer,
		NodeID:       owner,
		Properties:   props,
		CreationTS:   now,
		ExpirationTS: now.Add(ttl),
	}
}

func noCardinalityLimit() Config {
	return Config{
		MeanCyclicBcastInterval:        time.Hour,
		MeanCyclicUnsubscribesInterval: time.Hour,
		MaxBcastedOffers:                1000,
		MaxBcastedUnsubscribes:          1000,
	}
}

func newTestDiscovery(t *testing.T, net *bus.Network, node crypto.NodeID) (*Discovery, *store.Store, *bus.MemoryBus) {
	t.Helper()
	st := testStore(t)
	b := net.NewBus(node)
	d, err := New(noCardinalityLimit(), node, st, b, slog.Default())
	if err != nil {
		t.Fatalf("new discovery: %v", err)
	}
	return d, st, b
}

// TestThreeNodeGossipConvergence puts an offer on one node and expects it to
// reach the other two via offer-ids broadcast + retrieve-offers pull, per
// spec.md §8's three-node gossip convergence property.
func TestThreeNodeGossipConvergence(t *testing.T) {
	net := bus.NewNetwork()
	nodeA := testNode(t, 1)
	nodeB := testNode(t, 2)
	nodeC := testNode(t, 3)

	_, storeA, busA := newTestDiscovery(t, net, nodeA)
	_, storeB, _ := newTestDiscovery(t, net, nodeB)
	_, storeC, _ := newTestDiscovery(t, net, nodeC)

	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, nodeA, now, time.Hour)
	if _, err := storeA.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer on A: %v", err)
	}

	if err := busA.Broadcast(context.Background(), TopicOfferIDs, offerIDsPayload{Offers: []ids.SubscriptionID{offer.ID}}); err != nil {
		t.Fatalf("broadcast from A: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stateB, _ := storeB.GetState(context.Background(), offer.ID, now)
		stateC, _ := storeC.GetState(context.Background(), offer.ID, now)
		if stateB == model.StateActive && stateC == model.StateActive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("offer did not converge to all nodes within deadline")
}

// TestUnsubscribePropagatesThroughPartition exercises spec.md §8's
// unsubscribe-through-partition scenario: B is partitioned from A when the
// unsubscribe is broadcast, then healed, and a later cyclic rebroadcast from
// A must still bring B to Unsubscribed.
func TestUnsubscribePropagatesThroughPartition(t *testing.T) {
	net := bus.NewNetwork()
	nodeA := testNode(t, 1)
	nodeB := testNode(t, 2)

	dA, storeA, busA := newTestDiscovery(t, net, nodeA)
	_, storeB, _ := newTestDiscovery(t, net, nodeB)

	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, nodeA, now, time.Hour)
	if _, err := storeA.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer: %v", err)
	}
	if _, err := storeB.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer mirror on B: %v", err)
	}

	net.Partition(nodeA, nodeB)

	if _, err := storeA.Unsubscribe(context.Background(), offer.ID, nodeA, now.Add(time.Hour), now.Add(time.Minute)); err != nil {
		t.Fatalf("unsubscribe on A: %v", err)
	}
	if err := busA.Broadcast(context.Background(), TopicOfferUnsubscribed, offerIDsPayload{Offers: []ids.SubscriptionID{offer.ID}}); err != nil {
		t.Fatalf("broadcast unsubscribe while partitioned: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	stateB, err := storeB.GetState(context.Background(), offer.ID, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("get_state on B during partition: %v", err)
	}
	if stateB != model.StateActive {
		t.Fatalf("expected B unaffected during partition, got %s", stateB)
	}

	net.Heal(nodeA, nodeB)
	dA.broadcastUnsubscribes()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stateB, _ = storeB.GetState(context.Background(), offer.ID, now.Add(3*time.Minute))
		if stateB == model.StateUnsubscribed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("unsubscribe did not propagate to B after heal, last state %s", stateB)
}

func TestHandleOfferIDsReceivedDoesNotRebroadcastWhenNothingNew(t *testing.T) {
	net := bus.NewNetwork()
	nodeA := testNode(t, 1)
	nodeB := testNode(t, 2)

	_, storeA, busA := newTestDiscovery(t, net, nodeA)
	_, storeB, _ := newTestDiscovery(t, net, nodeB)

	now := time.Now().UTC().Truncate(time.Second)
	offer := testOffer(t, nodeA, now, time.Hour)
	if _, err := storeA.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer A: %v", err)
	}
	if _, err := storeB.PutOffer(context.Background(), offer, now); err != nil {
		t.Fatalf("put_offer B: %v", err)
	}

	rebroadcasts := 0
	if _, err := busA.Subscribe(TopicOfferIDs, func(from crypto.NodeID, topic bus.Address, payload json.RawMessage) {
		rebroadcasts++
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := busA.Broadcast(context.Background(), TopicOfferIDs, offerIDsPayload{Offers: []ids.SubscriptionID{offer.ID}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rebroadcasts != 0 {
		t.Fatalf("expected no rebroadcast when offer was already known, got %d", rebroadcasts)
	}
}
