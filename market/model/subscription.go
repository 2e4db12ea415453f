package model

import (
	"encoding/json"
	"time"

	"golemmarket/crypto"
	"golemmarket/ids"
)

// SubscriptionState is the result of a get_state lookup (spec.md §4.1).
type SubscriptionState string

const (
	StateActive       SubscriptionState = "active"
	StateUnsubscribed SubscriptionState = "unsubscribed"
	StateExpired      SubscriptionState = "expired"
	StateNotFound     SubscriptionState = "not_found"
)

// Subscription is the persisted row shared by Offers and Demands: both sides
// of the marketplace carry the same shape, distinguished by Role.
type Subscription struct {
	ID            ids.SubscriptionID `gorm:"primaryKey;type:varchar(64)"`
	Role          ids.SubscriptionRole `gorm:"size:16;index"`
	NodeID        crypto.NodeID      `gorm:"type:varchar(96);index"`
	Properties    PropertySet        `gorm:"serializer:json;type:jsonb"`
	Constraints   string             `gorm:"type:text"`
	CreationTS    time.Time          `gorm:"index"`
	ExpirationTS  time.Time          `gorm:"index"`
	InsertionTS   time.Time          `gorm:"index"` // assigned under transaction at put_offer time
}

// TableName stores Offers and Demands together in one market_subscription
// table, distinguished by Role, so both sides are queried uniformly; there
// are no separate market_offer/market_demand tables.
func (Subscription) TableName() string { return "market_subscription" }

// Validate checks the id/role/property/constraint/timestamp invariants from
// spec.md §3: `creation_ts <= insertion_ts < expiration_ts`, and the id is
// content-addressed correctly.
func (s *Subscription) Validate() error {
	role := ids.RoleOffer
	if s.Role == ids.RoleDemand {
		role = ids.RoleDemand
	}
	if !s.ID.Validate(s.NodeID, role, s.Properties.HashInputs(), s.Constraints) {
		return errHashMismatch
	}
	if s.CreationTS.After(s.InsertionTS) {
		return errBadTimestamps
	}
	if !s.InsertionTS.Before(s.ExpirationTS) {
		return errBadTimestamps
	}
	return nil
}

// UnsubscribeMarker retains the fact that a SubscriptionId was withdrawn so
// gossip echoes do not reinsert it until the marker itself expires.
type UnsubscribeMarker struct {
	ID           ids.SubscriptionID `gorm:"primaryKey;type:varchar(64)"`
	NodeID       crypto.NodeID      `gorm:"type:varchar(96);index"`
	ExpirationTS time.Time          `gorm:"index"`
}

func (UnsubscribeMarker) TableName() string { return "market_offer_unsubscribed" }

// MarshalJSON/UnmarshalJSON let a Subscription travel over the bus as
// InitialProposalReceived/OfferIdsReceived payload attachments.
type subscriptionWire struct {
	ID           string      `json:"id"`
	Role         string      `json:"role"`
	NodeID       string      `json:"node_id"`
	Properties   PropertySet `json:"properties"`
	Constraints  string      `json:"constraints"`
	CreationTS   time.Time   `json:"creation_ts"`
	ExpirationTS time.Time   `json:"expiration_ts"`
	InsertionTS  time.Time   `json:"insertion_ts,omitempty"`
}

func (s Subscription) MarshalJSON() ([]byte, error) {
	return json.Marshal(subscriptionWire{
		ID:           s.ID.String(),
		Role:         string(s.Role),
		NodeID:       s.NodeID.String(),
		Properties:   s.Properties,
		Constraints:  s.Constraints,
		CreationTS:   s.CreationTS,
		ExpirationTS: s.ExpirationTS,
		InsertionTS:  s.InsertionTS,
	})
}

func (s *Subscription) UnmarshalJSON(data []byte) error {
	var wire subscriptionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	id, err := ids.ParseSubscriptionID(wire.ID)
	if err != nil {
		return err
	}
	node, err := crypto.ParseNodeID(wire.NodeID)
	if err != nil {
		return err
	}
	s.ID = id
	s.Role = ids.SubscriptionRole(wire.Role)
	s.NodeID = node
	s.Properties = wire.Properties
	s.Constraints = wire.Constraints
	s.CreationTS = wire.CreationTS
	s.ExpirationTS = wire.ExpirationTS
	s.InsertionTS = wire.InsertionTS
	return nil
}
