// Package deadletter persists events that failed a fatal precondition and
// must not be redelivered, so operators can inspect and replay them manually.
package deadletter

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("deadletters")

// Record is one journaled event.
type Record struct {
	Seq        uint64    `json:"seq"`
	Queue      string    `json:"queue"`
	Reason     string    `json:"reason"`
	Body       []byte    `json:"body"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Journal is a bbolt-backed dead-letter store.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal file.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dead-letter bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one dead-lettered event.
func (j *Journal) Record(queue, reason string, body []byte) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}

		record := Record{
			Seq:        seq,
			Queue:      queue,
			Reason:     reason,
			Body:       body,
			RecordedAt: time.Now().UTC(),
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, encoded)
	})
}

// List returns every journaled record in insertion order.
func (j *Journal) List() ([]Record, error) {
	var records []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return records, nil
}
