// Package inbox persists delivered messages in a bbolt file.
package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/meshvmail/internal/protocol/session"
	"go.etcd.io/bbolt"
)

// fixed width so keys sort by time
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	messagesBucket = []byte("messages")
	idsBucket      = []byte("ids")

	ErrNotFound = errors.New("inbox: message not found")
)

// Record is one stored delivery.
type Record struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	Timestamp  string    `json:"timestamp,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Size       int       `json:"size"`
	Payload    []byte    `json:"payload,omitempty"`
}

// FromDelivery converts a session delivery into a storable record.
func FromDelivery(d session.Delivery) Record {
	return Record{
		ID:         d.MessageID,
		Source:     d.Source.String(),
		Kind:       string(d.Kind),
		Timestamp:  d.Timestamp,
		ReceivedAt: d.ReceivedAt,
		Size:       len(d.Payload),
		Payload:    d.Payload,
	}
}

type Store struct {
	db *bbolt.DB
}

// Open opens or creates the inbox file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("inbox: empty path")
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("inbox: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, idsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("inbox: init: %w", err)
	}
	return &Store{db: db}, nil
}

func recordKey(r Record) []byte {
	return []byte(r.ReceivedAt.UTC().Format(keyTimeLayout) + "/" + r.ID)
}

// Put stores r. A later record with the same id replaces the id lookup.
func (s *Store) Put(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("inbox: record missing id")
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	r.Size = len(r.Payload)
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("inbox: encode %s: %w", r.ID, err)
	}
	key := recordKey(r)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(messagesBucket).Put(key, raw); err != nil {
			return err
		}
		return tx.Bucket(idsBucket).Put([]byte(r.ID), key)
	})
}

// List returns up to limit records, newest first, without payloads.
// A non-positive limit returns everything.
func (s *Store) List(limit int) ([]Record, error) {
	out := make([]Record, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			r.Payload = nil
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inbox: list: %w", err)
	}
	return out, nil
}

// Get returns the full record for id.
func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(idsBucket).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(messagesBucket).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &r)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("inbox: get %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
