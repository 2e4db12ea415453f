package negotiation

import (
	"context"

	"golemmarket/crypto"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
)

// ProposalGate is evaluated before any inbound Proposal (initial or
// counter) is accepted into a Negotiation. It is the hook the blacklist
// negotiator (recovered from the original provider agent) and any future
// reputation heuristic plug into.
//
// Blacklisted and SuspiciousBehavior are deliberately distinct codes even
// though BlacklistGate renders the same message for both: the original
// implementation's open question about whether to ever distinguish them at
// the protocol level is preserved rather than collapsed.
type ProposalGate interface {
	Evaluate(ctx context.Context, from crypto.NodeID, proposal model.Proposal) error
}

// AllowAllGate accepts every Proposal. It is the default when no gate is
// configured.
type AllowAllGate struct{}

func (AllowAllGate) Evaluate(context.Context, crypto.NodeID, model.Proposal) error { return nil }

// BlacklistGate rejects Proposals from a configured set of node ids
// (Blacklisted) or that match a caller-supplied suspicious-behavior
// predicate (SuspiciousBehavior) — e.g. proposing terms wildly outside a
// Provider's own Offer.
type BlacklistGate struct {
	Blacklisted map[crypto.NodeID]bool
	Suspicious  func(proposal model.Proposal) bool
}

// NewBlacklistGate builds a gate rejecting the given node ids outright.
func NewBlacklistGate(blacklist []crypto.NodeID) *BlacklistGate {
	set := make(map[crypto.NodeID]bool, len(blacklist))
	for _, id := range blacklist {
		set[id] = true
	}
	return &BlacklistGate{Blacklisted: set}
}

// gateRejectionMessage is shared by both rejection codes: callers currently
// have no use for distinguishing the wording, only the Code.
const gateRejectionMessage = "negotiation: counterparty rejected by proposal gate"

func (g *BlacklistGate) Evaluate(ctx context.Context, from crypto.NodeID, proposal model.Proposal) error {
	if g.Blacklisted[from] {
		return errkind.New(errkind.Validation, errkind.CodeBlacklisted, gateRejectionMessage)
	}
	if g.Suspicious != nil && g.Suspicious(proposal) {
		return errkind.New(errkind.Validation, errkind.CodeSuspiciousBehavior, gateRejectionMessage)
	}
	return nil
}
