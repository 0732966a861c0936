// Package catalog is the persistent selection catalogue: the single
// source of truth for prices, inventory and capacity.
package catalog

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var log = logger.WithField("prefix", "catalog")

var bucketCatalogue = []byte("catalogue")

// Selection numbering
const (
	SelectionMin = 1
	SelectionMax = 100

	TrayMin = 0
	TrayMax = 9

	// TraySize is the number of selections per tray
	TraySize = 10
)

// ErrBadSelection is returned for selections outside 1..100
var ErrBadSelection = errors.New("catalog: selection out of range")

// ErrBadTray is returned for trays outside 0..9
var ErrBadTray = errors.New("catalog: tray out of range")

// TrayOf returns the tray a selection belongs to
func TrayOf(selection uint16) uint8 {
	return uint8((selection - 1) / TraySize)
}

// Entry is one selection's catalogue record
type Entry struct {
	Selection   uint16 `json:"selection"`
	Tray        uint8  `json:"tray"`
	PriceMinor  uint32 `json:"price"`
	Inventory   uint8  `json:"inventory"`
	Capacity    uint8  `json:"capacity"`
	ProductID   uint16 `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
}

// Patch is a partial entry; nil fields keep the stored value
type Patch struct {
	PriceMinor  *uint32
	Inventory   *uint8
	Capacity    *uint8
	ProductID   *uint16
	ProductName *string
}

func (p Patch) apply(e *Entry) {
	if p.PriceMinor != nil {
		e.PriceMinor = *p.PriceMinor
	}
	if p.Capacity != nil {
		e.Capacity = *p.Capacity
	}
	if p.Inventory != nil {
		e.Inventory = *p.Inventory
	}
	if p.ProductID != nil {
		e.ProductID = *p.ProductID
	}
	if p.ProductName != nil {
		e.ProductName = *p.ProductName
	}
	// Inventory can never exceed capacity
	if e.Inventory > e.Capacity {
		e.Inventory = e.Capacity
	}
}

// Store is the bbolt-backed catalogue. Writers are serialized by the
// store; readers run concurrently. Every write is durable before the
// call returns.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the catalogue database at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open catalogue %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCatalogue)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create catalogue bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func selectionKey(selection uint16) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], selection)
	return k[:]
}

// Get returns the entry for selection, or nil when it has never been
// provisioned
func (s *Store) Get(selection uint16) (*Entry, error) {
	if selection < SelectionMin || selection > SelectionMax {
		return nil, ErrBadSelection
	}

	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCatalogue).Get(selectionKey(selection))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return errors.Wrapf(err, "decode entry %d", selection)
		}
		entry = &e
		return nil
	})
	return entry, err
}

// List returns all provisioned entries in selection order
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCatalogue).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// ListTray returns the ten entries of one tray, skipping cells never
// provisioned
func (s *Store) ListTray(tray uint8) ([]Entry, error) {
	if tray > TrayMax {
		return nil, ErrBadTray
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, TraySize)
	for _, e := range all {
		if e.Tray == tray {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Upsert merges patch into one selection's entry, creating it lazily
func (s *Store) Upsert(selection uint16, patch Patch) error {
	if selection < SelectionMin || selection > SelectionMax {
		return ErrBadSelection
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return upsertLocked(tx, selection, patch)
	})
}

// UpsertTray merges patch into the ten selections of tray, all or
// nothing
func (s *Store) UpsertTray(tray uint8, patch Patch) error {
	if tray > TrayMax {
		return ErrBadTray
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		first := uint16(tray)*TraySize + 1
		for sel := first; sel < first+TraySize; sel++ {
			if err := upsertLocked(tx, sel, patch); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertAll merges patch into every selection, all or nothing
func (s *Store) UpsertAll(patch Patch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for sel := uint16(SelectionMin); sel <= SelectionMax; sel++ {
			if err := upsertLocked(tx, sel, patch); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertLocked(tx *bolt.Tx, selection uint16, patch Patch) error {
	b := tx.Bucket(bucketCatalogue)
	key := selectionKey(selection)

	entry := Entry{Selection: selection, Tray: TrayOf(selection)}
	if raw := b.Get(key); raw != nil {
		if err := json.Unmarshal(raw, &entry); err != nil {
			return errors.Wrapf(err, "decode entry %d", selection)
		}
	}
	patch.apply(&entry)

	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "encode entry %d", selection)
	}
	return b.Put(key, raw)
}

// DecrementInventory reduces a selection's inventory by one after a
// successful dispense, saturating at zero. Returns the new value.
func (s *Store) DecrementInventory(selection uint16) (uint8, error) {
	if selection < SelectionMin || selection > SelectionMax {
		return 0, ErrBadSelection
	}

	var remaining uint8
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalogue)
		key := selectionKey(selection)

		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return errors.Wrapf(err, "decode entry %d", selection)
		}
		if e.Inventory > 0 {
			e.Inventory--
		}
		remaining = e.Inventory

		out, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err == nil {
		log.WithFields(logger.Fields{"selection": selection, "inventory": remaining}).Debug("Inventory decremented")
	}
	return remaining, err
}
