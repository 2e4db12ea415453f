// Package scan implements the Scan Engine (spec.md §4.7): long-lived,
// constraint-filtered streaming queries over the local Offer/Demand corpus,
// plus a paginated direct-peer scan fallback over the Discovery RPC
// endpoints.
package scan

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/discovery"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/market/resolver"
	"golemmarket/market/store"
	"golemmarket/observability/metrics"
)

// scanner is one Begin-ed query's live state.
type scanner struct {
	mu       sync.Mutex
	id       uint64
	owner    crypto.NodeID
	typ      model.ScanType
	expr     resolver.Expr
	cursor   *time.Time
	createdAt time.Time
	timeout  time.Duration
	timeoutExtend time.Duration
	deadline time.Time
	refs     int // outstanding Collect calls, guards the sweeper against dropping a live scan
}

func (sc *scanner) touch(now time.Time) {
	extended := now.Add(sc.timeoutExtend)
	deadlineCap := sc.createdAt.Add(sc.timeout)
	if extended.After(deadlineCap) {
		extended = deadlineCap
	}
	sc.deadline = extended
	metrics.Scan().RecordExtension()
}

func (sc *scanner) expired(now time.Time) bool {
	return now.After(sc.deadline)
}

// Engine owns every live Scanner on this node plus the peer cursors a
// direct-peer scan advances.
type Engine struct {
	self    crypto.NodeID
	store   *store.Store
	bus     bus.Bus
	cursors *CursorStore

	mu      sync.Mutex
	nextID  uint64
	scanners map[uint64]*scanner
}

// New builds an Engine atop an already-migrated Store. cursors may be nil,
// in which case DirectPeerScan callers must track the per-peer cursor
// themselves across restarts.
func New(self crypto.NodeID, st *store.Store, transport bus.Bus, cursors *CursorStore) *Engine {
	return &Engine{self: self, store: st, bus: transport, cursors: cursors, scanners: make(map[uint64]*scanner)}
}

// Begin implements begin: compiles the caller's constraint, allocates an
// ascending scan id, and stores the Scanner under it.
func (e *Engine) Begin(owner crypto.NodeID, typ model.ScanType, constraint string, timeout, timeoutExtend time.Duration, now time.Time) (uint64, error) {
	expr, err := resolver.Parse(constraint)
	if err != nil {
		return 0, errkind.ValidationError(errkind.CodeBadConstraint, "scan: compile constraint: %v", err)
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	sc := &scanner{
		id:            id,
		owner:         owner,
		typ:           typ,
		expr:          expr,
		createdAt:     now,
		timeout:       timeout,
		timeoutExtend: timeoutExtend,
	}
	sc.touch(now)

	e.mu.Lock()
	e.scanners[id] = sc
	e.mu.Unlock()

	metrics.Scan().RecordStart(string(typ))
	return id, nil
}

func (e *Engine) lookup(id uint64, owner crypto.NodeID) (*scanner, error) {
	e.mu.Lock()
	sc, ok := e.scanners[id]
	e.mu.Unlock()
	if !ok {
		return nil, errkind.ValidationError(errkind.CodeNotFound, "scan: scan %d not found", id)
	}
	if !sc.OwnedBy(owner) {
		return nil, errkind.StateError(errkind.CodeUnauthorized, "scan: scan %d is not owned by caller", id)
	}
	return sc, nil
}

// OwnedBy reports whether owner may End/Collect this scan.
func (sc *scanner) OwnedBy(owner crypto.NodeID) bool { return sc.owner == owner }

// Collect implements collect(max_items): touch the deadline, query the
// Store, filter, advance the cursor on a non-empty filtered batch, or block
// on the offers-changed notification/deadline and retry.
func (e *Engine) Collect(ctx context.Context, id uint64, owner crypto.NodeID, maxItems int, now time.Time) ([]model.Subscription, error) {
	sc, err := e.lookup(id, owner)
	if err != nil {
		return nil, err
	}

	for {
		sc.mu.Lock()
		sc.touch(now)
		if sc.expired(now) {
			sc.mu.Unlock()
			metrics.Scan().RecordTimeout()
			return nil, errkind.StateError(errkind.CodeExpired, "scan: scan %d has expired", id)
		}
		cursor := sc.cursor
		expr := sc.expr
		sc.refs++
		sc.mu.Unlock()

		batch, err := e.store.GetScanOffers(ctx, cursor, now, maxItems)
		if err != nil {
			sc.mu.Lock()
			sc.refs--
			sc.mu.Unlock()
			return nil, err
		}

		var filtered []model.Subscription
		for _, sub := range batch {
			if expr.Resolve(sub.Properties) == resolver.True {
				filtered = append(filtered, sub)
			}
		}

		if len(filtered) > 0 {
			// Cursor advances to the max insertion_ts of the whole fetched
			// batch, not the filtered subset, so an Offer that failed the
			// constraint this round is not re-scanned on the next call.
			maxTS := batch[len(batch)-1].InsertionTS
			sc.mu.Lock()
			sc.cursor = &maxTS
			sc.refs--
			sc.mu.Unlock()
			metrics.Scan().RecordCompletion("matched")
			return filtered, nil
		}

		sc.mu.Lock()
		sc.refs--
		deadline := sc.deadline
		sc.mu.Unlock()

		changed := e.store.Changed()
		waitFor := deadline.Sub(now)
		if waitFor < 0 {
			waitFor = 0
		}
		timer := time.NewTimer(waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
			timer.Stop()
			now = time.Now().UTC()
			continue
		case <-timer.C:
			metrics.Scan().RecordTimeout()
			return nil, errkind.StateError(errkind.CodeExpired, "scan: scan %d has expired", id)
		}
	}
}

// End implements end: authorized by owner equality, removes the Scanner.
func (e *Engine) End(id uint64, owner crypto.NodeID) error {
	if _, err := e.lookup(id, owner); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.scanners, id)
	e.mu.Unlock()
	metrics.Scan().RecordCompletion("ended")
	return nil
}

// Sweep drops Scanners whose deadlines have elapsed and which have no
// outstanding Collect call in flight. Intended to run periodically from a
// background loop.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for id, sc := range e.scanners {
		sc.mu.Lock()
		stale := sc.expired(now) && sc.refs == 0
		sc.mu.Unlock()
		if stale {
			delete(e.scanners, id)
			dropped++
			metrics.Scan().RecordCompletion("swept")
		}
	}
	return dropped
}

// peerQueryRequest/peerQueryResponse mirror discovery's query-offers wire
// shapes so DirectPeerScan can call the endpoint without importing
// discovery's unexported types.
type peerQueryRequest struct {
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit"`
}

type peerQueryResponse struct {
	Offers []model.Subscription `json:"offers"`
}

type peerRetrieveRequest struct {
	IDs []ids.SubscriptionID `json:"ids"`
}

type peerRetrieveResponse struct {
	Offers []model.Subscription `json:"offers"`
}

// DirectPeerScanResult reports one page of a paginated walk over a peer's
// Offer id set, plus whether that peer turned out not to support the
// query-offers endpoint.
type DirectPeerScanResult struct {
	Offers  []model.Subscription
	Cursor  *time.Time
	OldPeer bool
}

// DirectPeerScan implements the direct peer scan fallback (spec.md §4.7):
// paginated id enumeration via query-offers, followed by a retrieve-offers
// pull of the full bodies. A peer that does not bind query-offers is
// flagged OldPeer with an empty result rather than erroring, so the caller
// falls back to local-only results.
func (e *Engine) DirectPeerScan(ctx context.Context, peer crypto.NodeID, since *time.Time, limit int) (DirectPeerScanResult, error) {
	if since == nil && e.cursors != nil {
		if persisted, err := e.cursors.Get(peer); err == nil {
			since = persisted
		}
	}

	reply, err := e.bus.Call(ctx, peer, discovery.AddrQueryOffers, peerQueryRequest{Since: since, Limit: limit})
	if err != nil {
		if errkind.Is(err, errkind.CodeNotBound) {
			return DirectPeerScanResult{OldPeer: true}, nil
		}
		return DirectPeerScanResult{}, err
	}
	var queried peerQueryResponse
	if err := json.Unmarshal(reply, &queried); err != nil {
		return DirectPeerScanResult{}, errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "scan: decode query-offers reply")
	}
	if len(queried.Offers) == 0 {
		return DirectPeerScanResult{}, nil
	}

	offerIDs := make([]ids.SubscriptionID, 0, len(queried.Offers))
	for _, o := range queried.Offers {
		offerIDs = append(offerIDs, o.ID)
	}
	reply, err = e.bus.Call(ctx, peer, discovery.AddrRetrieveOffers, peerRetrieveRequest{IDs: offerIDs})
	if err != nil {
		return DirectPeerScanResult{}, err
	}
	var fetched peerRetrieveResponse
	if err := json.Unmarshal(reply, &fetched); err != nil {
		return DirectPeerScanResult{}, errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "scan: decode retrieve-offers reply")
	}

	nextCursor := queried.Offers[len(queried.Offers)-1].InsertionTS
	if e.cursors != nil {
		if err := e.cursors.Put(peer, nextCursor); err != nil {
			return DirectPeerScanResult{}, errkind.InternalError(err, "scan: persist peer cursor for %s", peer)
		}
	}
	return DirectPeerScanResult{Offers: fetched.Offers, Cursor: &nextCursor}, nil
}

// DirectPeerScanMany fans DirectPeerScan out across several peers
// concurrently instead of walking them one at a time, so a single slow or
// unreachable peer doesn't serialize the whole round. One peer's failure
// does not cancel the others' in-flight calls.
func (e *Engine) DirectPeerScanMany(ctx context.Context, peers []crypto.NodeID, since map[crypto.NodeID]*time.Time, limit int) map[crypto.NodeID]DirectPeerScanResult {
	results := make(map[crypto.NodeID]DirectPeerScanResult, len(peers))
	var mu sync.Mutex

	var group errgroup.Group
	for _, peer := range peers {
		peer := peer
		group.Go(func() error {
			result, err := e.DirectPeerScan(ctx, peer, since[peer], limit)
			if err != nil {
				result = DirectPeerScanResult{}
			}
			mu.Lock()
			results[peer] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}
