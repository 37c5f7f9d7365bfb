package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("sandbox")
	bucketIndex    = []byte("sandbox_ids")
)

// Message is an email captured instead of delivered
type Message struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	ProviderID   string    `json:"provider_id"`
	Provider     string    `json:"provider"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	TrackingID   string    `json:"tracking_id,omitempty"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Subject      string    `json:"subject"`
	Data         []byte    `json:"data,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage keeps captured messages in BoltDB, ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates sandbox storage in db
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := makeKey(msg.CapturedAt, msg.ID)
		if err := tx.Bucket(bucketMessages).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put([]byte(msg.ID), key)
	})
}

// Get returns a captured message by id, or nil when there is none
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketMessages).Get(key)
		if data == nil {
			return nil
		}
		msg = &Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	ProviderID string
	CampaignID string
	To         string
	Limit      int
	Offset     int
}

func (f ListFilter) match(m *Message) bool {
	if f.ProviderID != "" && m.ProviderID != f.ProviderID {
		return false
	}
	if f.CampaignID != "" && m.CampaignID != f.CampaignID {
		return false
	}
	if f.To != "" && m.To != f.To {
		return false
	}
	return true
}

// List returns matching messages newest first, without their raw data
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if !filter.match(&msg) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes messages captured before the cutoff. A zero cutoff removes all.
func (s *Storage) Clear(ctx context.Context, before time.Time) (int, error) {
	var count int

	err := s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		index := tx.Bucket(bucketIndex)

		var doomed [][]byte
		var ids [][]byte
		c := messages.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if !before.IsZero() && !msg.CapturedAt.Before(before) {
				// Keys are time ordered, nothing later qualifies
				break
			}
			doomed = append(doomed, k)
			ids = append(ids, []byte(msg.ID))
		}

		for i, k := range doomed {
			if err := messages.Delete(k); err != nil {
				return err
			}
			if err := index.Delete(ids[i]); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats summarises the captured messages
type Stats struct {
	Total      int64            `json:"total"`
	ByProvider map[string]int64 `json:"by_provider"`
	Failed     int64            `json:"failed"`
	OldestAt   time.Time        `json:"oldest_at,omitempty"`
	NewestAt   time.Time        `json:"newest_at,omitempty"`
	TotalSize  int64            `json:"total_size"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByProvider: make(map[string]int64)}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			stats.Total++
			stats.TotalSize += int64(len(v))
			stats.ByProvider[msg.Provider]++
			if msg.SimulatedErr != "" {
				stats.Failed++
			}
			if stats.OldestAt.IsZero() {
				stats.OldestAt = msg.CapturedAt
			}
			stats.NewestAt = msg.CapturedAt
		}
		return nil
	})

	return stats, err
}

// makeKey orders messages by capture time. The fixed-width UTC layout keeps
// byte order equal to time order.
func makeKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
