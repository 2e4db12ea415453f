// Package ids implements the content-addressed identifiers of the data
// model (spec.md §3): SubscriptionId for Offers/Demands and ProposalId for
// Proposals. Both validate themselves against their declared inputs so a
// node can detect a tampered or forged id on ingress (see the Discovery
// "validate its self-hash" step, spec.md §4.2).
package ids

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"golemmarket/crypto"
)

// SubscriptionID is a content-addressed identifier for an Offer or Demand,
// derived from the subscriber's node identity and a hash of the normalized
// properties+constraints.
type SubscriptionID struct {
	digest [32]byte
}

// SubscriptionRole distinguishes which side of the marketplace a property
// set belongs to; it is folded into the hash so an Offer and a Demand that
// happen to carry byte-identical properties+constraints never collide.
type SubscriptionRole string

const (
	RoleOffer  SubscriptionRole = "offer"
	RoleDemand SubscriptionRole = "demand"
)

// NewSubscriptionID derives a SubscriptionId from the owning node, the role,
// and the normalized (sorted, dotted-name) property map plus constraint
// expression string.
func NewSubscriptionID(owner crypto.NodeID, role SubscriptionRole, properties map[string]string, constraints string) SubscriptionID {
	h := blake3.New(32, nil)
	h.Write(owner.Bytes())
	h.Write([]byte{0})
	h.Write([]byte(role))
	h.Write([]byte{0})
	for _, key := range sortedKeys(properties) {
		h.Write([]byte(key))
		h.Write([]byte{'='})
		h.Write([]byte(properties[key]))
		h.Write([]byte{';'})
	}
	h.Write([]byte{0})
	h.Write([]byte(constraints))
	var id SubscriptionID
	copy(id.digest[:], h.Sum(nil))
	return id
}

// Validate reports whether id is truly the content address of the given
// inputs, rejecting the id on mismatch per spec.md §3's
// "id is content-addressed and validated on ingress" invariant.
func (id SubscriptionID) Validate(owner crypto.NodeID, role SubscriptionRole, properties map[string]string, constraints string) bool {
	recomputed := NewSubscriptionID(owner, role, properties, constraints)
	return id == recomputed
}

func (id SubscriptionID) String() string {
	return hex.EncodeToString(id.digest[:])
}

func (id SubscriptionID) IsZero() bool {
	return id == SubscriptionID{}
}

// ParseSubscriptionID decodes a hex-encoded SubscriptionId previously
// produced by String.
func ParseSubscriptionID(s string) (SubscriptionID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SubscriptionID{}, fmt.Errorf("ids: invalid subscription id: %w", err)
	}
	if len(b) != 32 {
		return SubscriptionID{}, fmt.Errorf("ids: subscription id must be 32 bytes, got %d", len(b))
	}
	var id SubscriptionID
	copy(id.digest[:], b)
	return id, nil
}

// Value implements driver.Valuer so gorm can persist a SubscriptionID as hex text.
func (id SubscriptionID) Value() (driver.Value, error) {
	if id.IsZero() {
		return "", nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner, the inverse of Value.
func (id *SubscriptionID) Scan(src any) error {
	if src == nil {
		*id = SubscriptionID{}
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("ids: cannot scan %T into SubscriptionID", src)
	}
	if s == "" {
		*id = SubscriptionID{}
		return nil
	}
	parsed, err := ParseSubscriptionID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// OwnerRole distinguishes which side of a Negotiation a Proposal belongs to.
// The same logical Proposal carries two distinct ProposalIds, one per role
// (spec.md §3).
type OwnerRole string

const (
	OwnerProvider  OwnerRole = "provider"
	OwnerRequestor OwnerRole = "requestor"
)

// ProposalID is content-addressed from (offer_id, demand_id, creation_ts,
// owner_role).
type ProposalID struct {
	digest [32]byte
}

// NewProposalID derives a ProposalId. creationUnixNano should be the
// Proposal's creation timestamp in UnixNano for a stable, monotone encoding.
func NewProposalID(offerID, demandID SubscriptionID, creationUnixNano int64, owner OwnerRole) ProposalID {
	h := blake3.New(32, nil)
	h.Write(offerID.digest[:])
	h.Write(demandID.digest[:])
	var tsBuf [8]byte
	for i := 0; i < 8; i++ {
		tsBuf[i] = byte(creationUnixNano >> (8 * i))
	}
	h.Write(tsBuf[:])
	h.Write([]byte(owner))
	var id ProposalID
	copy(id.digest[:], h.Sum(nil))
	return id
}

func (id ProposalID) String() string {
	return hex.EncodeToString(id.digest[:])
}

func (id ProposalID) IsZero() bool {
	return id == ProposalID{}
}

func ParseProposalID(s string) (ProposalID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ProposalID{}, fmt.Errorf("ids: invalid proposal id: %w", err)
	}
	if len(b) != 32 {
		return ProposalID{}, fmt.Errorf("ids: proposal id must be 32 bytes, got %d", len(b))
	}
	var id ProposalID
	copy(id.digest[:], b)
	return id, nil
}

// Value implements driver.Valuer so gorm can persist a ProposalID as hex text.
func (id ProposalID) Value() (driver.Value, error) {
	if id.IsZero() {
		return "", nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner, the inverse of Value.
func (id *ProposalID) Scan(src any) error {
	if src == nil {
		*id = ProposalID{}
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("ids: cannot scan %T into ProposalID", src)
	}
	if s == "" {
		*id = ProposalID{}
		return nil
	}
	parsed, err := ParseProposalID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeDotted pre-flattens a dotted property name so that dots inside
// quoted segments are preserved, per spec.md §4.5. A quoted segment is
// delimited by a pair of double quotes anywhere within a dotted component;
// dots found between an odd and the next even quote count are literal.
func NormalizeDotted(name string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range name {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == '.' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, current.String())
	return parts
}
