// Package sales is the append-only journal of transactions and
// dispense outcomes.
package sales

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var log = logger.WithField("prefix", "sales")

var bucketSales = []byte("sales")

// Status values a sale record can carry
const (
	StatusApproved = "approved"
	StatusDeclined = "declined"
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusReversed = "reversed"
)

// Record is one journal line
type Record struct {
	SaleID      string `json:"sale_id"`
	TxnID       string `json:"txn_id"`
	Selection   uint16 `json:"selection"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	AmountMinor uint32 `json:"amount"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Epoch       int64  `json:"epoch"`
}

// Journal is the bbolt-backed sales log. Records are keyed by
// nanosecond epoch plus an in-process counter so insert order is
// total even within one nanosecond tick.
type Journal struct {
	db *bolt.DB

	mu      sync.Mutex
	counter uint16
}

// Open opens (creating if needed) the journal database at path
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open sales journal %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSales)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create sales bucket")
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append journals one record, filling SaleID, Date, Time and Epoch.
// Records are never updated or deleted.
func (j *Journal) Append(r Record) error {
	now := time.Now()
	r.SaleID = uuid.NewString()
	r.Date = now.Format("2006-01-02")
	r.Time = now.Format("15:04:05")
	r.Epoch = now.UnixNano()

	j.mu.Lock()
	seq := j.counter
	j.counter++
	j.mu.Unlock()

	key := make([]byte, 10)
	binary.BigEndian.PutUint64(key[:8], uint64(r.Epoch))
	binary.BigEndian.PutUint16(key[8:], seq)

	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode sale record")
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSales).Put(key, raw)
	})
	if err != nil {
		return errors.Wrap(err, "append sale record")
	}

	log.WithFields(logger.Fields{
		"txn":       r.TxnID,
		"selection": r.Selection,
		"status":    r.Status,
		"amount":    r.AmountMinor,
	}).Info("Sale journaled")
	return nil
}

// List returns every record in insert order
func (j *Journal) List() ([]Record, error) {
	var records []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSales).ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}
