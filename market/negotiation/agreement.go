package negotiation

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/observability/metrics"
)

type agreementReceivedMsg struct {
	ID             ids.ProposalID    `json:"id"`
	ProposalID     ids.ProposalID    `json:"proposal_id"`
	RequestorID    crypto.NodeID     `json:"requestor_id"`
	ProviderID     crypto.NodeID     `json:"provider_id"`
	DemandSnapshot model.PropertySet `json:"demand_snapshot"`
	OfferSnapshot  model.PropertySet `json:"offer_snapshot"`
	ValidTo        time.Time         `json:"valid_to"`
	CreatedAt      time.Time         `json:"created_at"`
}

type agreementApprovedMsg struct {
	AgreementID ids.ProposalID    `json:"agreement_id"`
	Signature   crypto.Signature  `json:"signature"`
	ApprovedTS  time.Time         `json:"approved_ts"`
}

type agreementRejectedMsg struct {
	AgreementID  ids.ProposalID `json:"agreement_id"`
	Reason       string         `json:"reason,omitempty"`
	RejectionTS  time.Time      `json:"rejection_ts"`
}

type agreementCancelledMsg struct {
	AgreementID ids.ProposalID `json:"agreement_id"`
	Reason      string         `json:"reason,omitempty"`
}

type agreementCommittedMsg struct {
	AgreementID ids.ProposalID   `json:"agreement_id"`
	Signature   crypto.Signature `json:"signature"`
}

type agreementTerminatedMsg struct {
	AgreementID ids.ProposalID `json:"agreement_id"`
	Reason      string         `json:"reason,omitempty"`
}

// CreateAgreement promotes a Proposal chain into an Agreement, owned by the
// caller's own Requestor side (spec.md §4.4's create_agreement). The target
// Proposal must be the thread's latest Draft and validTo must be strictly in
// the future; the Agreement is created locally in state Proposal and is not
// yet visible to the Provider until ConfirmAgreement sends it.
func (s *Service) CreateAgreement(ctx context.Context, proposalID ids.ProposalID, validTo, now time.Time) (model.Agreement, error) {
	if !validTo.After(now) {
		return model.Agreement{}, errkind.ValidationError(errkind.CodeExpired, "negotiation: valid_to %s is not strictly in the future", validTo)
	}

	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prop model.Proposal
		if err := tx.First(&prop, "proposal_id = ?", proposalID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: proposal %s not found", proposalID)
		}
		if prop.State != model.ProposalDraft {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: proposal %s is %s, not Draft", proposalID, prop.State)
		}

		var negotiation model.Negotiation
		if err := tx.First(&negotiation, "id = ?", prop.NegotiationID).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: load negotiation for agreement")
		}
		if negotiation.RequestorID != s.self {
			return errkind.New(errkind.Validation, errkind.CodeUnauthorized, "negotiation: only the Requestor side may create an Agreement")
		}

		var offerSub, demandSub model.Subscription
		if err := tx.First(&offerSub, "id = ?", negotiation.OfferID).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: load offer snapshot")
		}
		if err := tx.First(&demandSub, "id = ?", negotiation.DemandID).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: load demand snapshot")
		}

		agreement = model.Agreement{
			ID:             proposalID,
			ProposalID:     proposalID,
			NegotiationID:  negotiation.ID,
			RequestorID:    negotiation.RequestorID,
			ProviderID:     negotiation.ProviderID,
			DemandSnapshot: demandSub.Properties,
			OfferSnapshot:  offerSub.Properties,
			ValidTo:        validTo,
			State:          model.AgreementProposal,
			CreatedAt:      now,
		}
		if err := tx.Create(&agreement).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: insert agreement")
		}
		negotiation.AgreementID = &agreement.ID
		return tx.Save(&negotiation).Error
	})
	if err != nil {
		return model.Agreement{}, err
	}
	s.recordEvent(agreement.ID, agreement.State, now, "created")
	return agreement, nil
}

// ConfirmAgreement (Requestor → local) transitions Proposal → Pending and
// sends AgreementReceived to the Provider. Confirming a Cancelled Agreement
// fails with CodeInvalidTransition; re-confirming any other non-Proposal
// Agreement fails with CodeConfirmed; confirming past valid_to fails with
// CodeExpired without sending anything.
func (s *Service) ConfirmAgreement(ctx context.Context, agreementID ids.ProposalID, now time.Time) error {
	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", agreementID)
		}
		if agreement.State == model.AgreementCancelled {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s was cancelled before confirmation", agreementID)
		}
		if agreement.State != model.AgreementProposal {
			return errkind.StateError(errkind.CodeConfirmed, "negotiation: agreement %s already confirmed (state %s)", agreementID, agreement.State)
		}
		if agreement.Expired(now) {
			return errkind.ValidationError(errkind.CodeExpired, "negotiation: agreement %s expired before confirmation", agreementID)
		}
		agreement.State = model.AgreementPending
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return err
	}
	s.recordEvent(agreementID, agreement.State, now, "confirmed")

	msg := agreementReceivedMsg{
		ID:             agreement.ID,
		ProposalID:     agreement.ProposalID,
		RequestorID:    agreement.RequestorID,
		ProviderID:     agreement.ProviderID,
		DemandSnapshot: agreement.DemandSnapshot,
		OfferSnapshot:  agreement.OfferSnapshot,
		ValidTo:        agreement.ValidTo,
		CreatedAt:      agreement.CreatedAt,
	}
	if _, err := s.bus.Call(ctx, agreement.ProviderID, AddrAgreementReceived, msg); err != nil {
		s.log.Warn("negotiation: agreement receipt delivery failed", "provider", agreement.ProviderID, "error", err)
	}
	return nil
}

// handleAgreementReceived is the Provider-side mirror of ConfirmAgreement: it
// creates the Provider's own copy of the Agreement row (never seen before
// this message) directly in state Pending and surfaces the event.
func (s *Service) handleAgreementReceived(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg agreementReceivedMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}

	agreement := model.Agreement{
		ID:             msg.ID,
		ProposalID:     msg.ProposalID,
		RequestorID:    msg.RequestorID,
		ProviderID:     msg.ProviderID,
		DemandSnapshot: msg.DemandSnapshot,
		OfferSnapshot:  msg.OfferSnapshot,
		ValidTo:        msg.ValidTo,
		State:          model.AgreementPending,
		CreatedAt:      msg.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&agreement).Error; err != nil {
		return nil, errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: persist received agreement")
	}
	s.recordEvent(agreement.ID, model.AgreementPending, time.Now(), "received")
	return encodeReply(ackReply{OK: true})
}

// ApproveAgreement (Provider) transitions Pending → Approving, signs and
// sends AgreementApproved, then blocks up to timeout awaiting
// AgreementCommitted. It returns the resulting terminal-for-this-call state:
// Approved on commit, or Pending again if the wait times out (spec.md §4.4's
// "On timeout, reverts to Pending"). Concurrent approve/expire is resolved
// by re-checking valid_to inside the state-transition transaction: expire
// wins iff now is already at or past valid_to.
func (s *Service) ApproveAgreement(ctx context.Context, agreementID ids.ProposalID, timeout time.Duration, now time.Time) (model.AgreementState, error) {
	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", agreementID)
		}
		if agreement.State != model.AgreementPending {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s is %s, not Pending", agreementID, agreement.State)
		}
		if agreement.Expired(now) {
			agreement.State = model.AgreementExpired
			ts := now
			agreement.TerminatedTS = &ts
			return tx.Save(&agreement).Error
		}
		agreement.State = model.AgreementApproving
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return "", err
	}
	s.recordEvent(agreementID, agreement.State, now, "approve_agreement")
	if agreement.State == model.AgreementExpired {
		metrics.Negotiation().RecordAgreement(string(model.AgreementExpired), 0)
		s.notifyApprove(agreementID, model.AgreementExpired)
		return model.AgreementExpired, nil
	}

	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.commitWait[agreementID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.commitWait, agreementID)
		s.mu.Unlock()
	}()

	sig, err := s.priv.Sign([]byte(agreementID.String()))
	if err != nil {
		return "", errkind.InternalError(err, "negotiation: sign agreement approval")
	}
	approvedTS := now
	if _, err := s.bus.Call(ctx, agreement.RequestorID, AddrAgreementApproved, agreementApprovedMsg{AgreementID: agreementID, Signature: sig, ApprovedTS: approvedTS}); err != nil {
		s.log.Warn("negotiation: agreement approval delivery failed", "requestor", agreement.RequestorID, "error", err)
	}

	select {
	case <-ch:
		return s.commitApproval(ctx, agreementID, approvedTS)
	case <-time.After(timeout):
		return s.revertToPending(ctx, agreementID)
	case <-ctx.Done():
		return s.revertToPending(ctx, agreementID)
	}
}

func (s *Service) commitApproval(ctx context.Context, agreementID ids.ProposalID, approvedTS time.Time) (model.AgreementState, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agreement model.Agreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: load agreement for commit")
		}
		if agreement.State != model.AgreementApproving {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s is %s, not Approving", agreementID, agreement.State)
		}
		agreement.State = model.AgreementApproved
		agreement.ApprovedTS = &approvedTS
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return "", err
	}
	s.recordEvent(agreementID, model.AgreementApproved, approvedTS, "committed")
	metrics.Negotiation().RecordAgreement(string(model.AgreementApproved), time.Since(approvedTS))
	s.notifyApprove(agreementID, model.AgreementApproved)
	return model.AgreementApproved, nil
}

func (s *Service) revertToPending(ctx context.Context, agreementID ids.ProposalID) (model.AgreementState, error) {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agreement model.Agreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: load agreement to revert")
		}
		if agreement.State != model.AgreementApproving {
			return nil
		}
		agreement.State = model.AgreementPending
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return "", err
	}
	s.recordEvent(agreementID, model.AgreementPending, now, "approve_timeout_reverted")
	return model.AgreementPending, nil
}

// handleAgreementCommitted wakes any in-flight ApproveAgreement waiting on
// this Agreement's commit.
func (s *Service) handleAgreementCommitted(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg agreementCommittedMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ch, ok := s.commitWait[msg.AgreementID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return encodeReply(ackReply{OK: true})
}

// handleAgreementApproved (Requestor side) records the Provider's approval
// and wakes any WaitForApproval caller. The Requestor sends
// AgreementCommitted back immediately: the protocol treats receipt of a
// well-formed approval as sufficient grounds for the Requestor to commit.
func (s *Service) handleAgreementApproved(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg agreementApprovedMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}

	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", msg.AgreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", msg.AgreementID)
		}
		if agreement.State != model.AgreementPending {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s is %s, not Pending", msg.AgreementID, agreement.State)
		}
		agreement.State = model.AgreementApproving
		agreement.ProviderSig = msg.Signature
		agreement.ApprovedTS = &msg.ApprovedTS
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return nil, err
	}

	sig, err := s.priv.Sign([]byte(msg.AgreementID.String()))
	if err != nil {
		return nil, errkind.InternalError(err, "negotiation: sign agreement commit")
	}
	if _, err := s.bus.Call(ctx, agreement.ProviderID, AddrAgreementCommitted, agreementCommittedMsg{AgreementID: msg.AgreementID, Signature: sig}); err != nil {
		s.log.Warn("negotiation: agreement commit delivery failed", "provider", agreement.ProviderID, "error", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agreement.State = model.AgreementApproved
		agreement.RequestorSig = sig
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return nil, err
	}
	s.recordEvent(msg.AgreementID, model.AgreementApproved, msg.ApprovedTS, "approved")
	metrics.Negotiation().RecordAgreement(string(model.AgreementApproved), time.Since(agreement.CreatedAt))
	s.notifyApprove(msg.AgreementID, model.AgreementApproved)
	return encodeReply(ackReply{OK: true})
}

// WaitForApproval (Requestor) blocks until the Agreement reaches a terminal
// status (Approved/Rejected/Cancelled/Expired) or timeout elapses; it never
// mutates state itself.
func (s *Service) WaitForApproval(ctx context.Context, agreementID ids.ProposalID, timeout time.Duration) (model.AgreementState, error) {
	var agreement model.Agreement
	if err := s.db.WithContext(ctx).First(&agreement, "id = ?", agreementID).Error; err != nil {
		return "", errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", agreementID)
	}
	if model.IsTerminal(agreement.State) || agreement.State == model.AgreementApproved {
		return agreement.State, nil
	}

	ch := make(chan model.AgreementState, 1)
	s.mu.Lock()
	s.approveWait[agreementID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.approveWait, agreementID)
		s.mu.Unlock()
	}()

	select {
	case state := <-ch:
		return state, nil
	case <-time.After(timeout):
		var current model.Agreement
		if err := s.db.WithContext(ctx).First(&current, "id = ?", agreementID).Error; err != nil {
			return "", errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: reload agreement after wait timeout")
		}
		return current.State, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RejectAgreement (Provider) transitions Approving → Rejected and notifies
// the Requestor.
func (s *Service) RejectAgreement(ctx context.Context, agreementID ids.ProposalID, reason string, now time.Time) error {
	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", agreementID)
		}
		if !model.CanTransition(agreement.State, model.AgreementRejected) {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s is %s, cannot reject", agreementID, agreement.State)
		}
		agreement.State = model.AgreementRejected
		agreement.TerminatedTS = &now
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return err
	}
	s.recordEvent(agreementID, model.AgreementRejected, now, reason)
	metrics.Negotiation().RecordAgreement(string(model.AgreementRejected), 0)
	s.notifyApprove(agreementID, model.AgreementRejected)
	if _, err := s.bus.Call(ctx, agreement.RequestorID, AddrAgreementRejected, agreementRejectedMsg{AgreementID: agreementID, Reason: reason, RejectionTS: now}); err != nil {
		s.log.Warn("negotiation: agreement rejection delivery failed", "requestor", agreement.RequestorID, "error", err)
	}
	return nil
}

func (s *Service) handleAgreementRejected(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg agreementRejectedMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agreement model.Agreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", msg.AgreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", msg.AgreementID)
		}
		agreement.State = model.AgreementRejected
		agreement.TerminatedTS = &msg.RejectionTS
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return nil, err
	}
	s.recordEvent(msg.AgreementID, model.AgreementRejected, msg.RejectionTS, msg.Reason)
	s.notifyApprove(msg.AgreementID, model.AgreementRejected)
	return encodeReply(ackReply{OK: true})
}

// CancelAgreement may be called by either side while the Agreement is still
// Proposal or Pending (spec.md §4.4's diagram). Concurrent confirm & cancel
// race on the same row lock; whichever transaction commits first wins and
// the other fails with CodeInvalidTransition.
func (s *Service) CancelAgreement(ctx context.Context, agreementID ids.ProposalID, reason string, now time.Time) error {
	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", agreementID)
		}
		if !model.CanTransition(agreement.State, model.AgreementCancelled) {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s is %s, cannot cancel", agreementID, agreement.State)
		}
		agreement.State = model.AgreementCancelled
		agreement.TerminatedTS = &now
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return err
	}
	s.recordEvent(agreementID, model.AgreementCancelled, now, reason)
	metrics.Negotiation().RecordAgreement(string(model.AgreementCancelled), 0)
	s.notifyApprove(agreementID, model.AgreementCancelled)

	counterparty := agreement.ProviderID
	if s.self == agreement.ProviderID {
		counterparty = agreement.RequestorID
	}
	if _, err := s.bus.Call(ctx, counterparty, AddrAgreementCancelled, agreementCancelledMsg{AgreementID: agreementID, Reason: reason}); err != nil {
		s.log.Warn("negotiation: agreement cancellation delivery failed", "peer", counterparty, "error", err)
	}
	return nil
}

func (s *Service) handleAgreementCancelled(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg agreementCancelledMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agreement model.Agreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", msg.AgreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", msg.AgreementID)
		}
		agreement.State = model.AgreementCancelled
		agreement.TerminatedTS = &now
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return nil, err
	}
	s.recordEvent(msg.AgreementID, model.AgreementCancelled, now, msg.Reason)
	s.notifyApprove(msg.AgreementID, model.AgreementCancelled)
	return encodeReply(ackReply{OK: true})
}

// ExpireAgreements sweeps Pending/Approving Agreements whose valid_to has
// passed and moves them to Expired; marketd runs it from a periodic sweep
// loop.
func (s *Service) ExpireAgreements(ctx context.Context, now time.Time) (int, error) {
	var candidates []model.Agreement
	if err := s.db.WithContext(ctx).Where("state IN ? AND valid_to <= ?", []model.AgreementState{model.AgreementPending, model.AgreementApproving}, now).Find(&candidates).Error; err != nil {
		return 0, errkind.IntegrityError(errkind.CodeIOFailure, err, "negotiation: scan expirable agreements")
	}
	expired := 0
	for _, candidate := range candidates {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var agreement model.Agreement
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", candidate.ID).Error; err != nil {
				return err
			}
			if agreement.State != model.AgreementPending && agreement.State != model.AgreementApproving {
				return nil
			}
			if !agreement.Expired(now) {
				return nil
			}
			agreement.State = model.AgreementExpired
			agreement.TerminatedTS = &now
			return tx.Save(&agreement).Error
		})
		if err != nil {
			s.log.Warn("negotiation: expire sweep failed for agreement", "agreement", candidate.ID, "error", err)
			continue
		}
		s.recordEvent(candidate.ID, model.AgreementExpired, now, "expired")
		metrics.Negotiation().RecordAgreement(string(model.AgreementExpired), 0)
		s.notifyApprove(candidate.ID, model.AgreementExpired)
		expired++
	}
	return expired, nil
}

// TerminateAgreement ends an Approved Agreement, the only legal terminal
// transition out of Approved (spec.md §4.4's diagram), and notifies the
// counterparty.
func (s *Service) TerminateAgreement(ctx context.Context, agreementID ids.ProposalID, reason string, now time.Time) error {
	var agreement model.Agreement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", agreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", agreementID)
		}
		if !model.CanTransition(agreement.State, model.AgreementTerminated) {
			return errkind.StateError(errkind.CodeInvalidTransition, "negotiation: agreement %s is %s, not Approved", agreementID, agreement.State)
		}
		agreement.State = model.AgreementTerminated
		agreement.TerminatedTS = &now
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return err
	}
	s.recordEvent(agreementID, model.AgreementTerminated, now, reason)
	metrics.Negotiation().RecordAgreement(string(model.AgreementTerminated), 0)

	counterparty := agreement.ProviderID
	if s.self == agreement.ProviderID {
		counterparty = agreement.RequestorID
	}
	if _, err := s.bus.Call(ctx, counterparty, AddrAgreementTerminated, agreementTerminatedMsg{AgreementID: agreementID, Reason: reason}); err != nil {
		s.log.Warn("negotiation: agreement termination delivery failed", "peer", counterparty, "error", err)
	}
	return nil
}

func (s *Service) handleAgreementTerminated(ctx context.Context, env bus.Envelope) (jsonReply, error) {
	var msg agreementTerminatedMsg
	if err := decodeEnvelope(env, &msg); err != nil {
		return nil, err
	}
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agreement model.Agreement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, "id = ?", msg.AgreementID).Error; err != nil {
			return errkind.ValidationError(errkind.CodeNotFound, "negotiation: agreement %s not found", msg.AgreementID)
		}
		if agreement.State != model.AgreementApproved {
			return nil
		}
		agreement.State = model.AgreementTerminated
		agreement.TerminatedTS = &now
		return tx.Save(&agreement).Error
	})
	if err != nil {
		return nil, err
	}
	s.recordEvent(msg.AgreementID, model.AgreementTerminated, now, msg.Reason)
	return encodeReply(ackReply{OK: true})
}
