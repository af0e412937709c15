package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/CTF-Warden/internal/store"
)

var bucketAudit = []byte("audit")

// Spool is a local bolt buffer holding audit events that could not reach
// the database. Events survive process restarts and are replayed by the
// flush job.
type Spool struct {
	db *bolt.DB
}

// OpenSpool creates or opens the spool file.
func OpenSpool(path string) (*Spool, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAudit)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create spool bucket: %w", err)
	}

	return &Spool{db: db}, nil
}

// Close closes the underlying bolt file.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Append stores one event. Keys are monotone sequence numbers so replay
// preserves insertion order.
func (s *Spool) Append(entry store.AuditLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%020d", seq)), data)
	})
}

// Pending returns the number of spooled events.
func (s *Spool) Pending() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return n, err
}

// Drain reads up to limit events oldest-first, hands them to sink, and
// deletes them once sink succeeds. Entries that no longer unmarshal are
// dropped. Returns the number of events handed over.
func (s *Spool) Drain(limit int, sink func([]store.AuditLog) error) (int, error) {
	var (
		keys    [][]byte
		poison  [][]byte
		entries []store.AuditLog
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil && len(entries) < limit; k, v = c.Next() {
			var entry store.AuditLog
			if err := json.Unmarshal(v, &entry); err != nil {
				poison = append(poison, append([]byte(nil), k...))
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read spool: %w", err)
	}

	if len(entries) > 0 {
		if err := sink(entries); err != nil {
			return 0, err
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		for _, k := range append(keys, poison...) {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return len(entries), fmt.Errorf("trim spool: %w", err)
	}
	return len(entries), nil
}
