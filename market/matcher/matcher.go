// Package matcher implements the Matcher (spec.md §4.3): composing the
// Subscription Store with the Property Resolver to turn newly-admitted
// Offers and Demands into initial Proposals, handed off to the Negotiation
// layer over an unbounded queue.
package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/market/resolver"
	"golemmarket/market/store"
	"golemmarket/observability/metrics"
)

// Matcher evaluates new Offers/Demands against the opposite side's active
// set and emits initial Proposals for every match.
type Matcher struct {
	store *store.Store
	db    *gorm.DB
	queue *ProposalQueue
	log   *slog.Logger
}

// New builds a Matcher. db is used directly (rather than through Store) to
// persist Negotiation/Proposal rows, since those tables belong to the
// Negotiation layer's schema, not the Subscription Store's.
func New(st *store.Store, db *gorm.DB, queue *ProposalQueue, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{store: st, db: db, queue: queue, log: log}
}

// Migrate creates the Negotiation/Proposal tables this package owns.
func (m *Matcher) Migrate(ctx context.Context) error {
	return m.db.WithContext(ctx).AutoMigrate(&model.Negotiation{}, &model.Proposal{})
}

// OnNewOffer matches a newly admitted Offer against every active Demand.
func (m *Matcher) OnNewOffer(ctx context.Context, offer model.Subscription, now time.Time) error {
	return m.match(ctx, offer, store.GetOffersFilter{Role: ids.RoleDemand}, now, false)
}

// OnNewDemand matches a newly admitted Demand against every active Offer.
func (m *Matcher) OnNewDemand(ctx context.Context, demand model.Subscription, now time.Time) error {
	return m.match(ctx, demand, store.GetOffersFilter{Role: ids.RoleOffer}, now, true)
}

// match scans the opposite side's active set for subs compatible with the
// subject and creates a Negotiation + initial Proposal for each new pair.
// subjectIsDemand controls whether the subject is the Demand (true) or the
// Offer (false) half of each candidate pair.
func (m *Matcher) match(ctx context.Context, subject model.Subscription, oppositeFilter store.GetOffersFilter, now time.Time, subjectIsDemand bool) error {
	subjectExpr, err := resolver.Parse(subject.Constraints)
	if err != nil {
		return errkind.Wrap(errkind.Validation, errkind.CodeMalformed, err, "matcher: parse subject constraints")
	}

	candidates, err := m.store.GetOffers(ctx, oppositeFilter, now)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		candidateExpr, err := resolver.Parse(candidate.Constraints)
		if err != nil {
			m.log.Warn("matcher: skipping candidate with unparsable constraints", "id", candidate.ID, "error", err)
			continue
		}

		var offer, demand model.Subscription
		var offerExpr, demandExpr resolver.Expr
		if subjectIsDemand {
			demand, offer = subject, candidate
			demandExpr, offerExpr = subjectExpr, candidateExpr
		} else {
			offer, demand = subject, candidate
			offerExpr, demandExpr = subjectExpr, candidateExpr
		}

		if !resolver.Matches(demandExpr, offerExpr, offer.Properties, demand.Properties) {
			continue
		}
		if err := m.emitInitialProposal(ctx, offer, demand, now); err != nil {
			return err
		}
	}
	return nil
}

// emitInitialProposal creates the Negotiation + initial Proposal for
// (offer, demand) if that pair has not been matched before, then pushes the
// Proposal onto the queue. A duplicate pair (caught by the Negotiation
// table's unique index on offer_id+demand_id) is silently skipped — this is
// the uniqueness constraint spec.md §4.3 names as the dedup mechanism.
func (m *Matcher) emitInitialProposal(ctx context.Context, offer, demand model.Subscription, now time.Time) error {
	negotiation := model.Negotiation{
		ID:             uuid.New(),
		SubscriptionID: demand.ID,
		OfferID:        offer.ID,
		DemandID:       demand.ID,
		RequestorID:    demand.NodeID,
		ProviderID:     offer.NodeID,
		CreatedAt:      now,
	}

	// Requestor-side initial Proposal: issued by Them (the Provider),
	// carrying the Offer's properties+constraints (spec.md §4.3).
	proposal := model.Proposal{
		NegotiationID: negotiation.ID,
		ProposalID:    ids.NewProposalID(offer.ID, demand.ID, now.UnixNano(), ids.OwnerRequestor),
		Issuer:        model.IssuerThem,
		Properties:    offer.Properties,
		Constraints:   offer.Constraints,
		State:         model.ProposalInitial,
		CreationTS:    now,
		ExpirationTS:  offer.ExpirationTS,
	}

	inserted := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&negotiation)
		if res.Error != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, res.Error, "matcher: insert negotiation")
		}
		if res.RowsAffected == 0 {
			// Pair already matched previously.
			return nil
		}
		if err := tx.Create(&proposal).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "matcher: insert initial proposal")
		}
		inserted = true
		return nil
	})
	if err != nil {
		return err
	}
	if inserted {
		metrics.Negotiation().RecordProposal("initial", "accepted")
		m.queue.Push(proposal)
	}
	return nil
}
