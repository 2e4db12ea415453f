package model

import (
	"time"

	"github.com/google/uuid"

	"golemmarket/crypto"
	"golemmarket/ids"
)

// Issuer distinguishes which side authored a Proposal in a Negotiation
// thread.
type Issuer string

const (
	IssuerUs   Issuer = "us"
	IssuerThem Issuer = "them"
)

// ProposalState is the lifecycle of a single Proposal within a Negotiation.
type ProposalState string

const (
	ProposalInitial  ProposalState = "initial"
	ProposalDraft    ProposalState = "draft"
	ProposalRejected ProposalState = "rejected"
	ProposalAccepted ProposalState = "accepted"
	ProposalExpired  ProposalState = "expired"
)

// Negotiation is a thread of Proposals between one Provider/Demand pair,
// created on the first Proposal and persisting across counter-proposals.
type Negotiation struct {
	ID             uuid.UUID          `gorm:"primaryKey;type:uuid"`
	SubscriptionID ids.SubscriptionID `gorm:"type:varchar(64);index"`
	OfferID        ids.SubscriptionID `gorm:"type:varchar(64);uniqueIndex:idx_offer_demand_pair"`
	DemandID       ids.SubscriptionID `gorm:"type:varchar(64);uniqueIndex:idx_offer_demand_pair"`
	RequestorID    crypto.NodeID      `gorm:"type:varchar(96);index"`
	ProviderID     crypto.NodeID      `gorm:"type:varchar(96);index"`
	AgreementID    *ids.ProposalID    `gorm:"type:varchar(64)"` // set once an Agreement is created
	CreatedAt      time.Time
	Proposals      []Proposal `gorm:"foreignKey:NegotiationID"`
}

func (Negotiation) TableName() string { return "market_negotiation" }

// Proposal is a single message in a Negotiation thread.
type Proposal struct {
	NegotiationID  uuid.UUID       `gorm:"primaryKey;type:uuid"`
	ProposalID     ids.ProposalID  `gorm:"primaryKey;type:varchar(64)"`
	PrevProposalID *ids.ProposalID `gorm:"type:varchar(64)"`
	Issuer         Issuer          `gorm:"size:8"`
	Properties     PropertySet     `gorm:"serializer:json;type:jsonb"`
	Constraints    string          `gorm:"type:text"`
	State          ProposalState   `gorm:"size:16;index"`
	CreationTS     time.Time
	ExpirationTS   time.Time
}

func (Proposal) TableName() string { return "market_proposal" }

// IsInitial reports whether the Proposal is the head of its Negotiation
// thread (has no predecessor).
func (p *Proposal) IsInitial() bool {
	return p.PrevProposalID == nil
}
