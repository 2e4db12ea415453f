package negotiation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/matcher"
	"golemmarket/market/model"
	"golemmarket/observability/metrics"
)

// initialProposalMsg carries enough of the Negotiation's identity for the
// Provider, who has no prior record of this pairing, to create its own
// mirrored Negotiation row on receipt.
type initialProposalMsg struct {
	NegotiationID uuid.UUID          `json:"negotiation_id"`
	OfferID       ids.SubscriptionID `json:"offer_id"`
	DemandID      ids.SubscriptionID `json:"demand_id"`
	RequestorID   crypto.NodeID      `json:"requestor_id"`
	ProviderID    crypto.NodeID      `json:"provider_id"`
	Proposal      model.Proposal     `json:"proposal"`
}

type proposalMsg struct {
	PrevProposalID ids.ProposalID `json:"prev_proposal_id"`
	Proposal       model.Proposal `json:"proposal"`
}

type proposalRejectedMsg struct {
	ProposalID ids.ProposalID `json:"proposal_id"`
	Reason     string         `json:"reason,omitempty"`
}

// PumpInitialProposals drains q, forwarding every initial Proposal the
// Matcher produced to its counterparty's InitialProposalReceived endpoint.
// A transport failure for one Proposal only aborts that Proposal's
// delivery (spec.md §4.2's failure policy applied equally here); it is not
// propagated to other items, and does not block the next Pop.
func (s *Service) PumpInitialProposals(ctx context.Context, q *matcher.ProposalQueue) {
	for {
		proposal, ok := q.Pop(ctx)
		if !ok {
			return
		}
		s.deliverInitialProposal(ctx, proposal)
	}
}

func (s *Service) deliverInitialProposal(ctx context.Context, proposal model.Proposal) {
	var negotiation model.Negotiation
	if err := s.db.WithContext(ctx).First(&negotiation, "id = ?", proposal.NegotiationID).Error; err != nil {
		s.log.Error("negotiation: cannot deliver initial proposal, negotiation missing", "negotiation", proposal.NegotiationID, "error", err)
		return
	}
	msg := initialProposalMsg{
		NegotiationID: negotiation.ID,
		OfferID:       negotiation.OfferID,
		DemandID:      negotiation.DemandID,
		RequestorID:   negotiation.RequestorID,
		ProviderID:    negotiation.ProviderID,
		Proposal:      proposal,
	}
	if _, err := s.bus.Call(ctx, negotiation.ProviderID, AddrInitialProposalReceived, msg); err != nil {
		s.log.Warn("negotiation: initial proposal delivery failed", "provider", negotiation.ProviderID, "error", err)
		metrics.Negotiation().RecordProposal("initial", "delivery_failed")
		return
	}
	metrics.Negotiation().RecordProposal("initial", "delivered")
}

func (s *Service) handleInitialProposalReceived(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg initialProposalMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	if err := s.gate.Evaluate(ctx, env.From, msg.Proposal); err != nil {
		metrics.Negotiation().RecordGateDrop(gateDropCode(err))
		metrics.Negotiation().RecordProposal("initial", "gated")
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		negotiation := model.Negotiation{
			ID:             msg.NegotiationID,
			SubscriptionID: msg.DemandID,
			OfferID:        msg.OfferID,
			DemandID:       msg.DemandID,
			RequestorID:    msg.RequestorID,
			ProviderID:     msg.ProviderID,
			CreatedAt:      msg.Proposal.CreationTS,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&negotiation).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&msg.Proposal).Error
	})
	if err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: persist initial proposal")
	}
	metrics.Negotiation().RecordProposal("initial", "accepted")
	return encodeReply(ackReply{OK: true})
}

// ProposeCounter creates a counter-Proposal superseding prevProposalID and
// delivers it to the counterparty (spec.md §4.4's "Proposal chain
// invariants"). Either side may call this on their own Draft/Initial
// Proposal.
func (s *Service) ProposeCounter(ctx context.Context, prevProposalID ids.ProposalID, issuer model.Issuer, properties model.PropertySet, constraints string, expiration, now time.Time) (model.Proposal, error) {
	var negotiation model.Negotiation
	var prev model.Proposal
	var next model.Proposal

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&prev, "proposal_id = ?", prevProposalID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: prior proposal %s not found", prevProposalID)
		}
		if prev.State != model.ProposalInitial && prev.State != model.ProposalDraft {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: prior proposal %s is %s, not Initial/Draft", prevProposalID, prev.State)
		}
		if err := tx.First(&negotiation, "id = ?", prev.NegotiationID).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: load negotiation for counter-proposal")
		}

		next = model.Proposal{
			NegotiationID:  prev.NegotiationID,
			ProposalID:     ids.NewProposalID(negotiation.OfferID, negotiation.DemandID, now.UnixNano(), ownerFor(issuer)),
			PrevProposalID: &prevProposalID,
			Issuer:         issuer,
			Properties:     properties,
			Constraints:    constraints,
			State:          model.ProposalDraft,
			CreationTS:     now,
			ExpirationTS:   expiration,
		}
		if err := tx.Create(&next).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: insert counter-proposal")
		}
		prev.State = model.ProposalAccepted
		if err := tx.Save(&prev).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: mark prior proposal accepted")
		}
		return nil
	})
	if err != nil {
		return model.Proposal{}, err
	}

	counterparty := negotiation.ProviderID
	if s.self == negotiation.ProviderID {
		counterparty = negotiation.RequestorID
	}
	if _, err := s.bus.Call(ctx, counterparty, AddrProposalReceived, proposalMsg{PrevProposalID: prevProposalID, Proposal: next}); err != nil {
		s.log.Warn("negotiation: counter-proposal delivery failed", "peer", counterparty, "error", err)
		metrics.Negotiation().RecordProposal("counter", "delivery_failed")
		return next, nil
	}
	metrics.Negotiation().RecordProposal("counter", "delivered")
	return next, nil
}

// ownerFor maps the issuing side to the OwnerRole ProposalId expects.
func ownerFor(issuer model.Issuer) ids.OwnerRole {
	if issuer == model.IssuerUs {
		return ids.OwnerRequestor
	}
	return ids.OwnerProvider
}

func (s *Service) handleProposalReceived(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg proposalMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	if err := s.gate.Evaluate(ctx, env.From, msg.Proposal); err != nil {
		metrics.Negotiation().RecordGateDrop(gateDropCode(err))
		metrics.Negotiation().RecordProposal("counter", "gated")
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev model.Proposal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&prev, "proposal_id = ?", msg.PrevProposalID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: prior proposal %s not found", msg.PrevProposalID)
		}
		if prev.State != model.ProposalInitial && prev.State != model.ProposalDraft {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: prior proposal %s is %s, not Initial/Draft", msg.PrevProposalID, prev.State)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&msg.Proposal).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: insert received counter-proposal")
		}
		prev.State = model.ProposalAccepted
		return tx.Save(&prev).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.Negotiation().RecordProposal("counter", "accepted")
	return encodeReply(ackReply{OK: true})
}

// RejectProposal marks a Proposal as Rejected and notifies the counterparty.
func (s *Service) RejectProposal(ctx context.Context, proposalID ids.ProposalID, reason string, now time.Time) error {
	var negotiation model.Negotiation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prop model.Proposal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&prop, "proposal_id = ?", proposalID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: proposal %s not found", proposalID)
		}
		if prop.State != model.ProposalInitial && prop.State != model.ProposalDraft {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: proposal %s is %s, not Initial/Draft", proposalID, prop.State)
		}
		prop.State = model.ProposalRejected
		if err := tx.Save(&prop).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: mark proposal rejected")
		}
		return tx.First(&negotiation, "id = ?", prop.NegotiationID).Error
	})
	if err != nil {
		return err
	}

	counterparty := negotiation.ProviderID
	if s.self == negotiation.ProviderID {
		counterparty = negotiation.RequestorID
	}
	if _, err := s.bus.Call(ctx, counterparty, AddrProposalRejected, proposalRejectedMsg{ProposalID: proposalID, Reason: reason}); err != nil {
		s.log.Warn("negotiation: proposal rejection notice failed", "peer", counterparty, "error", err)
	}
	metrics.Negotiation().RecordProposal("rejection", "accepted")
	return nil
}

func (s *Service) handleProposalRejected(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg proposalRejectedMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prop model.Proposal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&prop, "proposal_id = ?", msg.ProposalID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: proposal %s not found", msg.ProposalID)
		}
		prop.State = model.ProposalRejected
		return tx.Save(&prop).Error
	})
	if err != nil {
		return nil, err
	}
	return encodeReply(ackReply{OK: true})
}
