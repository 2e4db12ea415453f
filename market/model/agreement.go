package model

import (
	"time"

	"github.com/google/uuid"

	"golemmarket/crypto"
	"golemmarket/ids"
)

// AgreementState enumerates the Agreement lifecycle states and legal
// transitions between them (spec.md §4.4).
type AgreementState string

const (
	AgreementProposal  AgreementState = "proposal"
	AgreementPending   AgreementState = "pending"
	AgreementApproving AgreementState = "approving"
	AgreementCancelled AgreementState = "cancelled"
	AgreementRejected  AgreementState = "rejected"
	AgreementExpired   AgreementState = "expired"
	AgreementApproved  AgreementState = "approved"
	AgreementTerminated AgreementState = "terminated"
)

// agreementTransitions enumerates every legal (from, to) pair; anything else
// is InvalidTransition.
var agreementTransitions = map[AgreementState]map[AgreementState]bool{
	AgreementProposal: {
		AgreementPending:   true,
		AgreementCancelled: true,
	},
	AgreementPending: {
		AgreementApproving: true,
		AgreementCancelled: true,
		AgreementExpired:   true,
	},
	AgreementApproving: {
		AgreementApproved: true,
		AgreementRejected: true,
		AgreementExpired:  true,
	},
	AgreementApproved: {
		AgreementTerminated: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to AgreementState) bool {
	targets, ok := agreementTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether state has no further legal transitions.
func IsTerminal(state AgreementState) bool {
	switch state {
	case AgreementCancelled, AgreementRejected, AgreementExpired, AgreementTerminated:
		return true
	default:
		return false
	}
}

// Agreement is the persisted record driven by the Agreement State Machine.
type Agreement struct {
	ID             ids.ProposalID `gorm:"primaryKey;type:varchar(64)"`
	ProposalID     ids.ProposalID `gorm:"type:varchar(64);index"`
	NegotiationID  uuid.UUID      `gorm:"type:uuid;index"`
	RequestorID    crypto.NodeID  `gorm:"type:varchar(96);index"`
	ProviderID     crypto.NodeID  `gorm:"type:varchar(96);index"`
	DemandSnapshot PropertySet    `gorm:"serializer:json;type:jsonb"`
	OfferSnapshot  PropertySet    `gorm:"serializer:json;type:jsonb"`
	ValidTo        time.Time
	State          AgreementState `gorm:"size:16;index"`
	ProviderSig    []byte         `gorm:"type:bytea"`
	RequestorSig   []byte         `gorm:"type:bytea"`
	CreatedAt      time.Time
	ApprovedTS     *time.Time
	CommittedTS    *time.Time
	TerminatedTS   *time.Time
}

func (Agreement) TableName() string { return "market_agreement" }

// Expired reports whether now has passed ValidTo.
func (a *Agreement) Expired(now time.Time) bool {
	return !now.Before(a.ValidTo)
}
