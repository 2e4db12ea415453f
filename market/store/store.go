// Package store implements the Subscription Store (spec.md §4.1): the
// transactional, gorm-backed persistence layer that Offers and Demands live
// in on every node, keyed by SubscriptionId.
package store

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
)

// Store is the Subscription Store. It is safe for concurrent use; every
// mutating operation runs inside its own database transaction so that
// insertion_ts ordering is monotonic under concurrent inserts, per spec.md
// §4.1's invariant.
type Store struct {
	db *gorm.DB

	changedMu sync.Mutex
	changedCh chan struct{}
}

// New wraps an already-migrated *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, changedCh: make(chan struct{})}
}

// Changed returns the channel the Scan Engine (§4.7) waits on for the
// "offers-changed" notification. The channel closes the next time PutOffer
// or Unsubscribe mutates a row; a flurry of mutations between two Waits
// collapses to a single close, so a waiter never sees more than one wake-up
// per round regardless of how many changes occurred. Grounded on the
// close-to-broadcast idiom the teacher's p2p.Peer uses for its own shutdown
// signal (p2p/peer.go's `closed chan struct{}`), generalized here to a
// channel that is recreated after each close instead of closed once.
func (s *Store) Changed() <-chan struct{} {
	s.changedMu.Lock()
	defer s.changedMu.Unlock()
	return s.changedCh
}

func (s *Store) signalChanged() {
	s.changedMu.Lock()
	defer s.changedMu.Unlock()
	close(s.changedCh)
	s.changedCh = make(chan struct{})
}

// Migrate creates or updates the underlying tables. Grounded on the
// teacher's services/otc-gateway bootstrap, which calls AutoMigrate against
// its model set at startup rather than hand-written DDL migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Subscription{}, &model.UnsubscribeMarker{})
}

// PutResult reports the outcome of PutOffer.
type PutResult struct {
	Inserted bool
	State    model.SubscriptionState
	Existing *model.Subscription
}

// PutOffer implements put_offer: rejects expired or already-unsubscribed
// submissions, rejects a duplicate of an already-active id, and otherwise
// inserts with insertion_ts pinned to now inside the transaction.
func (s *Store) PutOffer(ctx context.Context, sub model.Subscription, now time.Time) (PutResult, error) {
	if !sub.ExpirationTS.After(now) {
		return PutResult{State: model.StateExpired}, nil
	}

	var result PutResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var marker model.UnsubscribeMarker
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&marker, "id = ?", sub.ID).Error
		switch {
		case err == nil:
			if marker.ExpirationTS.After(now) {
				result = PutResult{State: model.StateUnsubscribed}
				return nil
			}
			if err := tx.Delete(&marker).Error; err != nil {
				return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: clear expired unsubscribe marker")
			}
		case isNotFound(err):
			// No marker: fall through to the active-row check.
		default:
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: lookup unsubscribe marker")
		}

		var existing model.Subscription
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "id = ?", sub.ID).Error
		switch {
		case err == nil:
			if existing.ExpirationTS.After(now) {
				result = PutResult{State: model.StateActive, Existing: &existing}
				return nil
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: clear expired offer row")
			}
		case isNotFound(err):
			// No existing row: proceed to insert.
		default:
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: lookup existing offer")
		}

		sub.InsertionTS = now
		if err := tx.Create(&sub).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: insert offer")
		}
		result = PutResult{Inserted: true, State: model.StateActive, Existing: &sub}
		return nil
	})
	if err != nil {
		return PutResult{}, err
	}
	if result.Inserted {
		s.signalChanged()
	}
	return result, nil
}

func isNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

// GetState implements get_state: expired/unsubscribed take precedence over
// bare presence.
func (s *Store) GetState(ctx context.Context, id ids.SubscriptionID, now time.Time) (model.SubscriptionState, error) {
	var marker model.UnsubscribeMarker
	err := s.db.WithContext(ctx).First(&marker, "id = ?", id).Error
	if err == nil {
		if marker.ExpirationTS.After(now) {
			return model.StateUnsubscribed, nil
		}
	} else if err != gorm.ErrRecordNotFound {
		return "", errkind.IntegrityError(errkind.CodeIOFailure, err, "store: lookup unsubscribe marker")
	}

	var sub model.Subscription
	err = s.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	switch {
	case err == nil:
		if sub.ExpirationTS.After(now) {
			return model.StateActive, nil
		}
		return model.StateExpired, nil
	case err == gorm.ErrRecordNotFound:
		return model.StateNotFound, nil
	default:
		return "", errkind.IntegrityError(errkind.CodeIOFailure, err, "store: lookup offer")
	}
}

// GetOffersFilter narrows GetOffers to a subset of active rows.
type GetOffersFilter struct {
	IDs            []ids.SubscriptionID
	NodeIDs        []string
	Role           ids.SubscriptionRole
	InsertedBefore *time.Time
}

// GetOffers implements get_offers: active rows only, ordered by creation_ts
// ascending.
func (s *Store) GetOffers(ctx context.Context, filter GetOffersFilter, now time.Time) ([]model.Subscription, error) {
	q := s.db.WithContext(ctx).Where("expiration_ts > ?", now).Order("creation_ts ASC")
	if len(filter.IDs) > 0 {
		q = q.Where("id IN ?", filter.IDs)
	}
	if len(filter.NodeIDs) > 0 {
		q = q.Where("node_id IN ?", filter.NodeIDs)
	}
	if filter.Role != "" {
		q = q.Where("role = ?", filter.Role)
	}
	if filter.InsertedBefore != nil {
		q = q.Where("insertion_ts < ?", *filter.InsertedBefore)
	}
	var out []model.Subscription
	if err := q.Find(&out).Error; err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "store: get_offers")
	}
	return out, nil
}

// GetScanOffers implements get_scan_offers: active rows only, ordered by
// insertion_ts ascending, the cursor the Scan Engine (§4.7) advances.
func (s *Store) GetScanOffers(ctx context.Context, sinceInsertionTS *time.Time, now time.Time, limit int) ([]model.Subscription, error) {
	q := s.db.WithContext(ctx).Where("expiration_ts > ?", now).Order("insertion_ts ASC")
	if sinceInsertionTS != nil {
		q = q.Where("insertion_ts > ?", *sinceInsertionTS)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.Subscription
	if err := q.Find(&out).Error; err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "store: get_scan_offers")
	}
	return out, nil
}

// Unsubscribe implements unsubscribe: inserts the marker iff the Offer was
// Active, and is idempotent otherwise. Returns whether the id transitioned
// from Active to Unsubscribed (used by Discovery to decide whether to
// re-broadcast).
func (s *Store) Unsubscribe(ctx context.Context, id ids.SubscriptionID, by crypto.NodeID, expiration time.Time, now time.Time) (bool, error) {
	var transitioned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub model.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, "id = ?", id).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: lookup offer for unsubscribe")
		}
		if !sub.ExpirationTS.After(now) {
			return nil
		}

		marker := model.UnsubscribeMarker{ID: id, NodeID: by, ExpirationTS: expiration}
		if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(&marker).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: insert unsubscribe marker")
		}
		if err := tx.Delete(&sub).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: delete unsubscribed offer")
		}
		transitioned = true
		return nil
	})
	if transitioned {
		s.signalChanged()
	}
	return transitioned, err
}

// GetKnownIDs implements get_known_ids: the subset of ids that already
// appears in either the offer table or the unsubscribe markers, so Discovery
// can avoid re-broadcasting or re-fetching them.
func (s *Store) GetKnownIDs(ctx context.Context, candidates []ids.SubscriptionID) (map[ids.SubscriptionID]bool, error) {
	known := make(map[ids.SubscriptionID]bool, len(candidates))
	if len(candidates) == 0 {
		return known, nil
	}

	var offerIDs []ids.SubscriptionID
	if err := s.db.WithContext(ctx).Model(&model.Subscription{}).Where("id IN ?", candidates).Pluck("id", &offerIDs).Error; err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "store: get_known_ids offers")
	}
	for _, id := range offerIDs {
		known[id] = true
	}

	var markerIDs []ids.SubscriptionID
	if err := s.db.WithContext(ctx).Model(&model.UnsubscribeMarker{}).Where("id IN ?", candidates).Pluck("id", &markerIDs).Error; err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "store: get_known_ids markers")
	}
	for _, id := range markerIDs {
		known[id] = true
	}
	return known, nil
}

// GetActiveUnsubscribeMarkers returns up to limit unsubscribe markers that
// have not yet expired, latest expiration_ts first. Discovery uses this to
// populate its cyclic offer-unsubscribed rebroadcast.
func (s *Store) GetActiveUnsubscribeMarkers(ctx context.Context, now time.Time, limit int) ([]model.UnsubscribeMarker, error) {
	q := s.db.WithContext(ctx).Where("expiration_ts > ?", now).Order("expiration_ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.UnsubscribeMarker
	if err := q.Find(&out).Error; err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "store: get_active_unsubscribe_markers")
	}
	return out, nil
}

// Clean implements clean(): deletes expired rows from both tables.
func (s *Store) Clean(ctx context.Context, now time.Time) error {
	if err := s.db.WithContext(ctx).Where("expiration_ts < ?", now).Delete(&model.Subscription{}).Error; err != nil {
		return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: clean offers")
	}
	if err := s.db.WithContext(ctx).Where("expiration_ts < ?", now).Delete(&model.UnsubscribeMarker{}).Error; err != nil {
		return errkind.IntegrityError(errkind.CodeIOFailure, err, "store: clean unsubscribe markers")
	}
	return nil
}
