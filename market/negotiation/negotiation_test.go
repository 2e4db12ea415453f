package negotiation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"golemmarket/bus"
	"golemmarket/crypto"
	"golemmarket/ids"
	"golemmarket/market/model"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

type node struct {
	id   crypto.NodeID
	priv *crypto.PrivateKey
	db   *gorm.DB
	svc  *Service
}

func newNode(t *testing.T, net *bus.Network) *node {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	self := priv.PubKey().NodeID()
	db := testDB(t)
	transport := net.NewBus(self)
	svc, err := New(self, priv, db, transport, nil, nil, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &node{id: self, priv: priv, db: db, svc: svc}
}

// seedNegotiation inserts a matched Negotiation + Draft Proposal
// pair into both sides' databases directly, as the Matcher + one round of
// counter-proposing would have produced, so Agreement tests can start from a
// Draft proposal without re-exercising the Matcher/PumpInitialProposals path.
func seedNegotiation(t *testing.T, r, p *node, now time.Time) (model.Negotiation, model.Proposal) {
	t.Helper()
	offerID := ids.NewSubscriptionID(p.id, ids.RoleOffer, map[string]string{"k": "v"}, "")
	demandID := ids.NewSubscriptionID(r.id, ids.RoleDemand, map[string]string{"k": "v"}, "")

	negotiation := model.Negotiation{
		ID:             uuid.New(),
		SubscriptionID: demandID,
		OfferID:        offerID,
		DemandID:       demandID,
		RequestorID:    r.id,
		ProviderID:     p.id,
		CreatedAt:      now,
	}
	draft := model.Proposal{
		NegotiationID: negotiation.ID,
		ProposalID:    ids.NewProposalID(offerID, demandID, now.UnixNano(), ids.OwnerRequestor),
		Issuer:        model.IssuerUs,
		State:         model.ProposalDraft,
		CreationTS:    now,
		ExpirationTS:  now.Add(time.Hour),
	}

	offerSub := model.Subscription{ID: offerID, Role: ids.RoleOffer, NodeID: p.id, CreationTS: now, ExpirationTS: now.Add(time.Hour)}
	demandSub := model.Subscription{ID: demandID, Role: ids.RoleDemand, NodeID: r.id, CreationTS: now, ExpirationTS: now.Add(time.Hour)}

	for _, db := range []*gorm.DB{r.db, p.db} {
		if err := db.AutoMigrate(&model.Subscription{}); err != nil {
			t.Fatalf("migrate subscription: %v", err)
		}
		if err := db.Create(&offerSub).Error; err != nil {
			t.Fatalf("seed offer: %v", err)
		}
		if err := db.Create(&demandSub).Error; err != nil {
			t.Fatalf("seed demand: %v", err)
		}
		if err := db.Create(&negotiation).Error; err != nil {
			t.Fatalf("seed negotiation: %v", err)
		}
		if err := db.Create(&draft).Error; err != nil {
			t.Fatalf("seed proposal: %v", err)
		}
	}
	return negotiation, draft
}

func TestHappyPathAgreement(t *testing.T) {
	net := bus.NewNetwork()
	r := newNode(t, net)
	p := newNode(t, net)
	now := time.Now().UTC().Truncate(time.Second)
	_, draft := seedNegotiation(t, r, p, now)

	agreement, err := r.svc.CreateAgreement(context.Background(), draft.ProposalID, now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if agreement.State != model.AgreementProposal {
		t.Fatalf("expected Proposal state, got %s", agreement.State)
	}

	if err := r.svc.ConfirmAgreement(context.Background(), agreement.ID, now); err != nil {
		t.Fatalf("confirm agreement: %v", err)
	}

	state, err := p.svc.ApproveAgreement(context.Background(), agreement.ID, 200*time.Millisecond, now)
	if err != nil {
		t.Fatalf("approve agreement: %v", err)
	}
	if state != model.AgreementApproved {
		t.Fatalf("expected Approved after commit, got %s", state)
	}

	got, err := r.svc.WaitForApproval(context.Background(), agreement.ID, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for approval: %v", err)
	}
	if got != model.AgreementApproved {
		t.Fatalf("expected Approved, got %s", got)
	}
}

func TestCreateAgreementRejectsNonDraftProposal(t *testing.T) {
	net := bus.NewNetwork()
	r := newNode(t, net)
	p := newNode(t, net)
	now := time.Now().UTC().Truncate(time.Second)
	_, draft := seedNegotiation(t, r, p, now)

	draft.State = model.ProposalAccepted
	if err := r.db.Save(&draft).Error; err != nil {
		t.Fatalf("mutate proposal: %v", err)
	}

	if _, err := r.svc.CreateAgreement(context.Background(), draft.ProposalID, now.Add(time.Hour), now); err == nil {
		t.Fatalf("expected error creating agreement on non-Draft proposal")
	}
}

func TestCreateAgreementRejectsPastValidTo(t *testing.T) {
	net := bus.NewNetwork()
	r := newNode(t, net)
	p := newNode(t, net)
	now := time.Now().UTC().Truncate(time.Second)
	_, draft := seedNegotiation(t, r, p, now)

	if _, err := r.svc.CreateAgreement(context.Background(), draft.ProposalID, now, now); err == nil {
		t.Fatalf("expected Expired error for valid_to = now")
	}
}

func TestConfirmAgreementExpiredBeforeConfirmation(t *testing.T) {
	net := bus.NewNetwork()
	r := newNode(t, net)
	p := newNode(t, net)
	now := time.Now().UTC().Truncate(time.Second)
	_, draft := seedNegotiation(t, r, p, now)

	agreement, err := r.svc.CreateAgreement(context.Background(), draft.ProposalID, now.Add(time.Millisecond), now)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	later := now.Add(time.Second)
	if err := r.svc.ConfirmAgreement(context.Background(), agreement.ID, later); err == nil {
		t.Fatalf("expected Expired error confirming past valid_to")
	}
}

func TestDuplicateConfirmFailsWithConfirmed(t *testing.T) {
	net := bus.NewNetwork()
	r := newNode(t, net)
	p := newNode(t, net)
	now := time.Now().UTC().Truncate(time.Second)
	_, draft := seedNegotiation(t, r, p, now)

	agreement, err := r.svc.CreateAgreement(context.Background(), draft.ProposalID, now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if err := r.svc.ConfirmAgreement(context.Background(), agreement.ID, now); err != nil {
		t.Fatalf("confirm agreement: %v", err)
	}
	if err := r.svc.ConfirmAgreement(context.Background(), agreement.ID, now); err == nil {
		t.Fatalf("expected Confirmed error on re-confirm")
	}
}

func TestApproveWithoutWaitDoesNotError(t *testing.T) {
	net := bus.NewNetwork()
	r := newNode(t, net)
	p := newNode(t, net)
	now := time.Now().UTC().Truncate(time.Second)
	_, draft := seedNegotiation(t, r, p, now)

	agreement, err := r.svc.CreateAgreement(context.Background(), draft.ProposalID, now.Add(time.Hour), now)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if err := r.svc.ConfirmAgreement(context.Background(), agreement.ID, now); err != nil {
		t.Fatalf("confirm agreement: %v", err)
	}

	// approve_agreement without a subsequent wait_for_approval call must not
	// error: the Requestor side is free to never call WaitForApproval.
	state, err := p.svc.ApproveAgreement(context.Background(), agreement.ID, 200*time.Millisecond, now)
	if err != nil {
		t.Fatalf("approve agreement without wait: %v", err)
	}
	if state != model.AgreementApproved {
		t.Fatalf("expected Approved, got %s", state)
	}
}

func TestGateRejectsBlacklistedProposal(t *testing.T) {
	net := bus.NewNetwork()
	providerPriv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	providerID := providerPriv.PubKey().NodeID()
	providerDB := testDB(t)
	providerBus := net.NewBus(providerID)

	requestorPriv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	requestorID := requestorPriv.PubKey().NodeID()

	gate := NewBlacklistGate([]crypto.NodeID{requestorID})
	providerSvc, err := New(providerID, providerPriv, providerDB, providerBus, gate, nil, nil)
	if err != nil {
		t.Fatalf("new provider service: %v", err)
	}
	if err := providerSvc.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate provider: %v", err)
	}

	requestorDB := testDB(t)
	requestorBus := net.NewBus(requestorID)
	requestorSvc, err := New(requestorID, requestorPriv, requestorDB, requestorBus, nil, nil, nil)
	if err != nil {
		t.Fatalf("new requestor service: %v", err)
	}
	if err := requestorSvc.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate requestor: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	offerID := ids.NewSubscriptionID(providerID, ids.RoleOffer, map[string]string{"k": "v"}, "")
	demandID := ids.NewSubscriptionID(requestorID, ids.RoleDemand, map[string]string{"k": "v"}, "")
	negotiationID := uuid.New()
	proposal := model.Proposal{
		NegotiationID: negotiationID,
		ProposalID:    ids.NewProposalID(offerID, demandID, now.UnixNano(), ids.OwnerRequestor),
		Issuer:        model.IssuerThem,
		State:         model.ProposalInitial,
		CreationTS:    now,
		ExpirationTS:  now.Add(time.Hour),
	}
	if err := requestorDB.AutoMigrate(&model.Subscription{}); err != nil {
		t.Fatalf("migrate subscription: %v", err)
	}
	if err := requestorDB.Create(&model.Negotiation{
		ID:          negotiationID,
		OfferID:     offerID,
		DemandID:    demandID,
		RequestorID: requestorID,
		ProviderID:  providerID,
		CreatedAt:   now,
	}).Error; err != nil {
		t.Fatalf("seed negotiation: %v", err)
	}

	_, err = requestorSvc.bus.Call(context.Background(), providerID, AddrInitialProposalReceived, initialProposalMsg{
		NegotiationID: negotiationID,
		OfferID:       offerID,
		DemandID:      demandID,
		RequestorID:   requestorID,
		ProviderID:    providerID,
		Proposal:      proposal,
	})
	if err == nil {
		t.Fatalf("expected blacklisted proposal to be rejected")
	}
}
