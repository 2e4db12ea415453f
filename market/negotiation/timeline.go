package negotiation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"golemmarket/ids"
	"golemmarket/market/model"
)

// Event is one entry in an Agreement's append-only event timeline (spec.md
// §3's "owns... event timeline"), kept separately from the relational
// Agreement row so a full history survives even as the row itself is
// mutated in place.
type Event struct {
	AgreementID ids.ProposalID      `json:"agreement_id"`
	Seq         uint64              `json:"seq"`
	State       model.AgreementState `json:"state"`
	At          time.Time           `json:"at"`
	Detail      string              `json:"detail,omitempty"`
}

// Timeline is a goleveldb-backed append-only log, grounded on the teacher's
// LevelDBNoncePersistence (gateway/auth/nonce_leveldb.go): a fixed key
// prefix plus a big-endian-encoded monotonic counter gives lexicographic
// iteration order without a secondary index.
type Timeline struct {
	db *leveldb.DB
}

// OpenTimeline opens (or creates) the event log at path.
func OpenTimeline(path string) (*Timeline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("negotiation: resolve timeline path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("negotiation: open timeline: %w", err)
	}
	return &Timeline{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (t *Timeline) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func timelinePrefix(id ids.ProposalID) string {
	return "agreement:" + id.String() + ":"
}

// Append records a new event for the agreement, assigning it the next
// sequence number in that agreement's log.
func (t *Timeline) Append(id ids.ProposalID, state model.AgreementState, at time.Time, detail string) error {
	seq, err := t.nextSeq(id)
	if err != nil {
		return err
	}
	event := Event{AgreementID: id, Seq: seq, State: state, At: at, Detail: detail}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("negotiation: marshal timeline event: %w", err)
	}
	key := timelineKey(id, seq)
	if err := t.db.Put(key, data, nil); err != nil {
		return fmt.Errorf("negotiation: write timeline event: %w", err)
	}
	return nil
}

func (t *Timeline) nextSeq(id ids.ProposalID) (uint64, error) {
	iter := t.db.NewIterator(util.BytesPrefix([]byte(timelinePrefix(id))), nil)
	defer iter.Release()
	var last uint64
	for iter.Next() {
		last++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("negotiation: scan timeline: %w", err)
	}
	return last + 1, nil
}

func timelineKey(id ids.ProposalID, seq uint64) []byte {
	buf := make([]byte, 0, len(timelinePrefix(id))+8)
	buf = append(buf, []byte(timelinePrefix(id))...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(buf, seqBytes...)
}

// Events returns the full recorded history for an agreement, in order.
func (t *Timeline) Events(id ids.ProposalID) ([]Event, error) {
	iter := t.db.NewIterator(util.BytesPrefix([]byte(timelinePrefix(id))), nil)
	defer iter.Release()

	var events []Event
	for iter.Next() {
		var event Event
		if err := json.Unmarshal(iter.Value(), &event); err != nil {
			return nil, fmt.Errorf("negotiation: decode timeline event: %w", err)
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("negotiation: iterate timeline: %w", err)
	}
	return events, nil
}
