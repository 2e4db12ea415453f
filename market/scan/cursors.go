package scan

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"golemmarket/crypto"
)

var bucketPeerCursors = []byte("peer_cursors")

// CursorStore durably persists the per-peer direct-scan cursor (the
// query-offers pagination token) so a restarted node resumes mid-scan
// rather than re-walking a peer's whole Offer id set from scratch.
// Grounded on the teacher's `services/identity-gateway/store.go` bbolt
// bucket-per-concern layout.
type CursorStore struct {
	db *bolt.DB
}

type cursorRecord struct {
	InsertionTS time.Time `json:"insertion_ts"`
}

// OpenCursorStore opens (and migrates) a bbolt-backed cursor store at path.
func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeerCursors)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &CursorStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (c *CursorStore) Close() error {
	return c.db.Close()
}

// Get returns the last persisted cursor for peer, or nil if none is stored.
func (c *CursorStore) Get(peer crypto.NodeID) (*time.Time, error) {
	var cursor *time.Time
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPeerCursors)
		raw := bucket.Get([]byte(peer.String()))
		if raw == nil {
			return nil
		}
		var rec cursorRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		cursor = &rec.InsertionTS
		return nil
	})
	return cursor, err
}

// Put persists the cursor reached for peer.
func (c *CursorStore) Put(peer crypto.NodeID, cursor time.Time) error {
	raw, err := json.Marshal(cursorRecord{InsertionTS: cursor})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPeerCursors)
		return bucket.Put([]byte(peer.String()), raw)
	})
}
