package model

import (
	"time"

	"golemmarket/crypto"
	"golemmarket/ids"
)

// ScanType distinguishes which side of the corpus a Scan walks.
type ScanType string

const (
	ScanOffer  ScanType = "offer"
	ScanDemand ScanType = "demand"
)

// Scan is the persisted cursor state for a long-lived streaming query over
// the local Offer/Demand corpus (spec.md §4.7).
type Scan struct {
	ID            uint64
	Owner         crypto.NodeID
	Type          ScanType
	Constraints   string
	Cursor        time.Time         // last-seen insertion_ts, advanced only on a non-empty filtered batch
	PeerCursors   map[string]string // opaque per-peer direct-query cursors, keyed by peer NodeID string
	CreatedAt     time.Time
	Timeout       time.Duration // total budget from CreatedAt; caps TimeoutExtend re-arming
	TimeoutExtend time.Duration
	Deadline      time.Time
}

// Touch extends the deadline by TimeoutExtend from now, bounded above by
// CreatedAt+Timeout so a caller polling Collect faster than it processes
// cannot re-arm the scanner indefinitely (SPEC_FULL §D.3).
func (s *Scan) Touch(now time.Time) {
	extended := now.Add(s.TimeoutExtend)
	deadlineCap := s.CreatedAt.Add(s.Timeout)
	if extended.After(deadlineCap) {
		extended = deadlineCap
	}
	s.Deadline = extended
}

// Expired reports whether the scan's deadline has elapsed as of now.
func (s *Scan) Expired(now time.Time) bool {
	return now.After(s.Deadline)
}

// OwnedBy reports whether the given node may End/Collect this scan.
func (s *Scan) OwnedBy(node crypto.NodeID) bool {
	return s.Owner == node
}

// ZeroSubscription is the all-zero SubscriptionID. Scan cursors are
// insertion timestamps (nil meaning "from the beginning"), not
// SubscriptionIDs, and nothing in the repository references this value.
var ZeroSubscription = ids.SubscriptionID{}
