// Package negotiation implements the Negotiation Protocol and Agreement
// State Machine (spec.md §4.4): bilateral request/response over the
// transport bus, gated by a pluggable ProposalGate, with an append-only
// event timeline for audit.
package negotiation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/observability/metrics"
)

const (
	AddrInitialProposalReceived bus.Address = "/public/negotiation/initial-proposal-received"
	AddrProposalReceived        bus.Address = "/public/negotiation/proposal-received"
	AddrProposalRejected        bus.Address = "/public/negotiation/proposal-rejected"
	AddrAgreementReceived       bus.Address = "/public/negotiation/agreement-received"
	AddrAgreementApproved       bus.Address = "/public/negotiation/agreement-approved"
	AddrAgreementRejected       bus.Address = "/public/negotiation/agreement-rejected"
	AddrAgreementCancelled      bus.Address = "/public/negotiation/agreement-cancelled"
	AddrAgreementCommitted      bus.Address = "/public/negotiation/agreement-committed"
	AddrAgreementTerminated     bus.Address = "/public/negotiation/agreement-terminated"
)

// Service composes persistence, the transport bus, the ProposalGate, and
// the event timeline into the Negotiation Protocol + Agreement State
// Machine operations.
type Service struct {
	self     crypto.NodeID
	priv     *crypto.PrivateKey
	db       *gorm.DB
	bus      bus.Bus
	gate     ProposalGate
	timeline *Timeline
	log      *slog.Logger

	mu          sync.Mutex
	commitWait  map[ids.ProposalID]chan struct{}
	approveWait map[ids.ProposalID]chan model.AgreementState
}

// New builds a Service and binds its protocol endpoints on transport.
func New(self crypto.NodeID, priv *crypto.PrivateKey, db *gorm.DB, transport bus.Bus, gate ProposalGate, timeline *Timeline, log *slog.Logger) (*Service, error) {
	if gate == nil {
		gate = AllowAllGate{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		self:        self,
		priv:        priv,
		db:          db,
		bus:         transport,
		gate:        gate,
		timeline:    timeline,
		log:         log,
		commitWait:  make(map[ids.ProposalID]chan struct{}),
		approveWait: make(map[ids.ProposalID]chan model.AgreementState),
	}

	binds := map[bus.Address]bus.Handler{
		AddrInitialProposalReceived: s.handleInitialProposalReceived,
		AddrProposalReceived:        s.handleProposalReceived,
		AddrProposalRejected:        s.handleProposalRejected,
		AddrAgreementReceived:       s.handleAgreementReceived,
		AddrAgreementApproved:       s.handleAgreementApproved,
		AddrAgreementRejected:       s.handleAgreementRejected,
		AddrAgreementCancelled:      s.handleAgreementCancelled,
		AddrAgreementCommitted:      s.handleAgreementCommitted,
		AddrAgreementTerminated:     s.handleAgreementTerminated,
	}
	for addr, handler := range binds {
		if err := transport.Bind(addr, handler); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables this package persists to.
func (s *Service) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Negotiation{}, &model.Proposal{}, &model.Agreement{})
}

func (s *Service) recordEvent(id ids.ProposalID, state model.AgreementState, at time.Time, detail string) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(id, state, at, detail); err != nil {
		s.log.Warn("negotiation: failed to append timeline event", "agreement", id, "error", err)
	}
}

func (s *Service) notifyApprove(id ids.ProposalID, state model.AgreementState) {
	s.mu.Lock()
	ch, ok := s.approveWait[id]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- state:
		default:
		}
	}
}
