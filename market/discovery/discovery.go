// Package discovery implements the gossip layer (spec.md §4.2): broadcasting
// Offer/Demand ids and unsubscribe notices over the transport bus, and
// pulling unknown Offer bodies point-to-point from whichever peer announced
// them.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/market/store"
	"golemmarket/observability/metrics"
)

const (
	// TopicOfferIDs is the broadcast topic for newly-known Offer/Demand ids.
	TopicOfferIDs bus.Address = "/public/discovery/offer-ids"
	// TopicOfferUnsubscribed is the broadcast topic for withdrawn ids.
	TopicOfferUnsubscribed bus.Address = "/public/discovery/offer-unsubscribed"
	// AddrRetrieveOffers is the RPC endpoint fetching full Offer bodies by id.
	AddrRetrieveOffers bus.Address = "/public/discovery/retrieve-offers"
	// AddrQueryOffers is the RPC endpoint for cursor-based id enumeration.
	AddrQueryOffers bus.Address = "/public/discovery/query-offers"
)

// Config holds the gossip knobs named in spec.md §6.
type Config struct {
	MeanCyclicBcastInterval        time.Duration
	MeanCyclicUnsubscribesInterval time.Duration
	MaxBcastedOffers                int
	MaxBcastedUnsubscribes          int
}

// DefaultConfig matches spec.md §6's stated production defaults.
func DefaultConfig() Config {
	return Config{
		MeanCyclicBcastInterval:        60 * time.Second,
		MeanCyclicUnsubscribesInterval: 60 * time.Second,
		MaxBcastedOffers:                200,
		MaxBcastedUnsubscribes:          200,
	}
}

// Discovery runs the gossip ingress algorithms and cyclic broadcasts atop a
// Store and a Bus.
type Discovery struct {
	cfg   Config
	self  crypto.NodeID
	store *store.Store
	bus   bus.Bus
	log   *slog.Logger

	offerLimiter       *peerLimiter
	unsubscribeLimiter *peerLimiter

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Discovery instance and binds its RPC endpoints on the given
// bus. Call Run to start the cyclic-broadcast background loops.
func New(cfg Config, self crypto.NodeID, st *store.Store, transport bus.Bus, log *slog.Logger) (*Discovery, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Discovery{
		cfg:   cfg,
		self:  self,
		store: st,
		bus:   transport,
		log:   log,
		// Allows roughly one full max_bcasted_offers-sized burst per mean
		// cyclic interval, per peer, before ingress is throttled.
		offerLimiter:       newPeerLimiter(float64(cfg.MaxBcastedOffers)/cfg.MeanCyclicBcastInterval.Seconds(), cfg.MaxBcastedOffers),
		unsubscribeLimiter: newPeerLimiter(float64(cfg.MaxBcastedUnsubscribes)/cfg.MeanCyclicUnsubscribesInterval.Seconds(), cfg.MaxBcastedUnsubscribes),
	}

	if err := transport.Bind(AddrRetrieveOffers, d.handleRetrieveOffers); err != nil {
		return nil, err
	}
	if err := transport.Bind(AddrQueryOffers, d.handleQueryOffers); err != nil {
		return nil, err
	}
	if _, err := transport.Subscribe(TopicOfferIDs, d.handleOfferIDsReceived); err != nil {
		return nil, err
	}
	if _, err := transport.Subscribe(TopicOfferUnsubscribed, d.handleOfferUnsubscribed); err != nil {
		return nil, err
	}
	return d, nil
}

type offerIDsPayload struct {
	Offers []ids.SubscriptionID `json:"offers"`
}

type retrieveOffersRequest struct {
	IDs []ids.SubscriptionID `json:"ids"`
}

type retrieveOffersResponse struct {
	Offers []model.Subscription `json:"offers"`
}

type queryOffersRequest struct {
	Since *time.Time `json:"since,omitempty"`
	Limit int         `json:"limit"`
}

type queryOffersResponse struct {
	Offers []model.Subscription `json:"offers"`
}

// handleOfferIDsReceived implements the OfferIdsReceived ingress algorithm
// (spec.md §4.2, steps 1-5).
func (d *Discovery) handleOfferIDsReceived(from crypto.NodeID, topic bus.Address, payload json.RawMessage) {
	if !d.offerLimiter.allow(from) {
		metrics.Discovery().RecordRateLimited("offer")
		d.log.Warn("discovery: dropping offer-ids broadcast, peer over rate limit", "peer", from)
		return
	}
	var msg offerIDsPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.log.Warn("discovery: malformed offer-ids payload", "from", from, "error", err)
		return
	}
	msg.Offers = capCardinality(msg.Offers, d.cfg.MaxBcastedOffers, d.log, "offer")

	ctx := context.Background()
	known, err := d.store.GetKnownIDs(ctx, msg.Offers)
	if err != nil {
		d.log.Error("discovery: get_known_ids failed", "error", err)
		return
	}
	var unseen []ids.SubscriptionID
	for _, id := range msg.Offers {
		if !known[id] {
			unseen = append(unseen, id)
		}
	}
	if len(unseen) == 0 {
		metrics.Discovery().RecordIngress("offer", "duplicate")
		return
	}

	reply, err := d.bus.Call(ctx, from, AddrRetrieveOffers, retrieveOffersRequest{IDs: unseen})
	if err != nil {
		d.log.Warn("discovery: retrieve-offers call failed", "peer", from, "error", err)
		return
	}
	var resp retrieveOffersResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		d.log.Warn("discovery: malformed retrieve-offers reply", "peer", from, "error", err)
		return
	}

	now := time.Now().UTC()

	// Each offer's self-hash validation recomputes a blake3 digest over its
	// properties, which is CPU-bound and independent across the batch, so it
	// runs concurrently ahead of the serial store insert below.
	valid := make([]bool, len(resp.Offers))
	var group errgroup.Group
	for i, offer := range resp.Offers {
		i, offer := i, offer
		group.Go(func() error {
			valid[i] = offer.Validate() == nil
			return nil
		})
	}
	_ = group.Wait()

	var newlyInserted []ids.SubscriptionID
	for i, offer := range resp.Offers {
		if !valid[i] {
			d.log.Warn("discovery: dropping offer with invalid self-hash", "id", offer.ID, "peer", from)
			metrics.Discovery().RecordIngress("offer", "rejected")
			continue
		}
		result, err := d.store.PutOffer(ctx, offer, now)
		if err != nil {
			d.log.Error("discovery: put_offer failed", "id", offer.ID, "error", err)
			continue
		}
		if result.Inserted {
			newlyInserted = append(newlyInserted, offer.ID)
			metrics.Discovery().RecordIngress("offer", "accepted")
		} else {
			metrics.Discovery().RecordIngress("offer", "duplicate")
		}
	}

	if len(newlyInserted) == 0 {
		return
	}
	d.rebroadcast(TopicOfferIDs, offerIDsPayload{Offers: newlyInserted})
}

// handleOfferUnsubscribed implements the OfferUnsubscribed ingress
// algorithm.
func (d *Discovery) handleOfferUnsubscribed(from crypto.NodeID, topic bus.Address, payload json.RawMessage) {
	if !d.unsubscribeLimiter.allow(from) {
		metrics.Discovery().RecordRateLimited("unsubscribe")
		d.log.Warn("discovery: dropping offer-unsubscribed broadcast, peer over rate limit", "peer", from)
		return
	}
	var msg offerIDsPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.log.Warn("discovery: malformed offer-unsubscribed payload", "from", from, "error", err)
		return
	}
	msg.Offers = capCardinality(msg.Offers, d.cfg.MaxBcastedUnsubscribes, d.log, "unsubscribe")

	ctx := context.Background()
	now := time.Now().UTC()
	var transitioned []ids.SubscriptionID
	for _, id := range msg.Offers {
		ok, err := d.store.Unsubscribe(ctx, id, from, now.Add(24*time.Hour), now)
		if err != nil {
			d.log.Error("discovery: unsubscribe failed", "id", id, "error", err)
			metrics.Discovery().RecordIngress("unsubscribe", "rejected")
			continue
		}
		if ok {
			transitioned = append(transitioned, id)
			metrics.Discovery().RecordIngress("unsubscribe", "accepted")
		} else {
			metrics.Discovery().RecordIngress("unsubscribe", "duplicate")
		}
	}
	if len(transitioned) == 0 {
		return
	}
	d.rebroadcast(TopicOfferUnsubscribed, offerIDsPayload{Offers: transitioned})
}

func (d *Discovery) rebroadcast(topic bus.Address, payload offerIDsPayload) {
	if err := d.bus.Broadcast(context.Background(), topic, payload); err != nil {
		d.log.Warn("discovery: rebroadcast failed", "topic", topic, "error", err)
		return
	}
	metrics.Discovery().RecordBroadcast(string(topic))
}

func (d *Discovery) handleRetrieveOffers(ctx context.Context, env bus.Envelope) (json.RawMessage, error) {
	var req retrieveOffersRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "discovery: decode retrieve-offers request")
	}
	offers, err := d.store.GetOffers(ctx, store.GetOffersFilter{IDs: req.IDs}, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return json.Marshal(retrieveOffersResponse{Offers: offers})
}

func (d *Discovery) handleQueryOffers(ctx context.Context, env bus.Envelope) (json.RawMessage, error) {
	var req queryOffersRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "discovery: decode query-offers request")
	}
	offers, err := d.store.GetScanOffers(ctx, req.Since, time.Now().UTC(), req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queryOffersResponse{Offers: offers})
}

// capCardinality applies the rate/cardinality control from spec.md §4.2: if
// the received id list exceeds the configured max, the prefix is discarded
// and only the newest suffix is kept.
func capCardinality(list []ids.SubscriptionID, max int, log *slog.Logger, kind string) []ids.SubscriptionID {
	if max <= 0 || len(list) <= max {
		return list
	}
	metrics.Discovery().RecordRateLimited(kind)
	log.Warn("discovery: cardinality control dropped prefix", "kind", kind, "received", len(list), "kept", max)
	return list[len(list)-max:]
}

// Run starts the cyclic broadcast loops (spec.md §4.2's
// "mean_cyclic_bcast_interval, jittered" reconciliation mechanism) and blocks
// until ctx is cancelled or Stop is called.
func (d *Discovery) Run(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(2)
	go d.cyclicLoop(ctx, d.cfg.MeanCyclicBcastInterval, d.broadcastActiveOffers)
	go d.cyclicLoop(ctx, d.cfg.MeanCyclicUnsubscribesInterval, d.broadcastUnsubscribes)

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	d.wg.Wait()
}

// Stop ends the cyclic broadcast loops started by Run.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
}

func (d *Discovery) cyclicLoop(ctx context.Context, interval time.Duration, tick func()) {
	defer d.wg.Done()
	if interval <= 0 {
		return
	}
	for {
		jittered := jitter(interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
			tick()
		}
	}
}

// jitter randomizes interval by +/-25% so cyclic broadcasts across a node
// population do not synchronize into a thundering herd.
func jitter(interval time.Duration) time.Duration {
	delta := float64(interval) * 0.25
	offset := (rand.Float64()*2 - 1) * delta
	return interval + time.Duration(offset)
}

func (d *Discovery) broadcastActiveOffers() {
	ctx := context.Background()
	offers, err := d.store.GetOffers(ctx, store.GetOffersFilter{}, time.Now().UTC())
	if err != nil {
		d.log.Error("discovery: cyclic broadcast failed to list offers", "error", err)
		return
	}
	offerIDs := make([]ids.SubscriptionID, 0, len(offers))
	for _, o := range offers {
		offerIDs = append(offerIDs, o.ID)
	}
	if len(offerIDs) > d.cfg.MaxBcastedOffers {
		offerIDs = offerIDs[len(offerIDs)-d.cfg.MaxBcastedOffers:]
	}
	if len(offerIDs) == 0 {
		return
	}
	d.rebroadcast(TopicOfferIDs, offerIDsPayload{Offers: offerIDs})
}

func (d *Discovery) broadcastUnsubscribes() {
	ctx := context.Background()
	markers, err := d.store.GetActiveUnsubscribeMarkers(ctx, time.Now().UTC(), d.cfg.MaxBcastedUnsubscribes)
	if err != nil {
		d.log.Error("discovery: cyclic broadcast failed to list unsubscribe markers", "error", err)
		return
	}
	if len(markers) == 0 {
		return
	}
	markerIDs := make([]ids.SubscriptionID, 0, len(markers))
	for _, m := range markers {
		markerIDs = append(markerIDs, m.ID)
	}
	d.rebroadcast(TopicOfferUnsubscribed, offerIDsPayload{Offers: markerIDs})
}
