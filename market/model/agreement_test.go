package model

import "testing"

func TestAgreementTransitionTable(t *testing.T) {
	legal := []struct {
		from, to AgreementState
	}{
		{AgreementProposal, AgreementPending},
		{AgreementProposal, AgreementCancelled},
		{AgreementPending, AgreementApproving},
		{AgreementPending, AgreementCancelled},
		{AgreementPending, AgreementExpired},
		{AgreementApproving, AgreementApproved},
		{AgreementApproving, AgreementRejected},
		{AgreementApproving, AgreementExpired},
		{AgreementApproved, AgreementTerminated},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}
}

func TestAgreementTransitionTableRejectsEverythingElse(t *testing.T) {
	illegal := []struct {
		from, to AgreementState
	}{
		{AgreementProposal, AgreementApproved},
		{AgreementPending, AgreementApproved},
		{AgreementApproving, AgreementPending},
		{AgreementTerminated, AgreementApproved},
		{AgreementCancelled, AgreementPending},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []AgreementState{AgreementCancelled, AgreementRejected, AgreementExpired, AgreementTerminated} {
		if !IsTerminal(s) {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []AgreementState{AgreementProposal, AgreementPending, AgreementApproving, AgreementApproved} {
		if IsTerminal(s) {
			t.Fatalf("expected %s to not be terminal", s)
		}
	}
}
