package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	conversationsBucket    = []byte("conversations")
	conversationKeysBucket = []byte("conversation_keys")
	settingsBucket         = []byte("settings")
	problemsBucket         = []byte("problems")
)

// listPageSize bounds how many conversations are decoded per read transaction
// while a listing is being consumed.
const listPageSize = 50

var errNothingToTrim = errors.New("nothing to trim")

// BoltStore keeps every record as JSON in a local bbolt file. Each mutation
// runs in its own write transaction, which bbolt serializes.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ Store = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, conversationKeysBucket, settingsBucket, problemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func conversationIndexKey(key ConversationKey) []byte {
	return []byte(key.DomainID + "\x00" + strconv.FormatInt(key.UID, 10) + "\x00" + key.ProblemID)
}

func problemKey(domainID, pid string) []byte {
	return []byte(domainID + "\x00" + pid)
}

func getConversation(tx *bolt.Tx, id []byte) (*Conversation, error) {
	v := tx.Bucket(conversationsBucket).Get(id)
	if v == nil {
		return nil, nil
	}
	var c Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return &c, nil
}

func putConversation(tx *bolt.Tx, c *Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Bucket(conversationsBucket).Put([]byte(c.ID), data)
}

func (s *BoltStore) FindConversation(_ context.Context, key ConversationKey) (*Conversation, error) {
	var c *Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(conversationKeysBucket).Get(conversationIndexKey(key))
		if id == nil {
			return nil
		}
		var err error
		c, err = getConversation(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) CreateConversation(_ context.Context, key ConversationKey, greeting Message) (*Conversation, error) {
	var c *Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(conversationKeysBucket)
		if id := idx.Get(conversationIndexKey(key)); id != nil {
			var err error
			c, err = getConversation(tx, id)
			if err != nil || c != nil {
				return err
			}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating conversation id: %w", err)
		}
		c = &Conversation{
			ID:        id.String(),
			DomainID:  key.DomainID,
			UID:       key.UID,
			ProblemID: key.ProblemID,
			Messages:  []Message{greeting},
			CreatedAt: s.now(),
		}
		if err := putConversation(tx, c); err != nil {
			return err
		}
		return idx.Put(conversationIndexKey(key), []byte(c.ID))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *BoltStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	var c *Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getConversation(tx, []byte(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// updateConversation loads, mutates and stores one conversation inside a
// single write transaction.
func (s *BoltStore) updateConversation(id []byte, fn func(c *Conversation) error) (*Conversation, error) {
	var c *Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		c, err = getConversation(tx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrNotFound
		}
		if err := fn(c); err != nil {
			return err
		}
		return putConversation(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *BoltStore) AppendMessage(_ context.Context, id string, msg Message) (*Conversation, error) {
	return s.updateConversation([]byte(id), func(c *Conversation) error {
		c.Messages = append(c.Messages, msg)
		return nil
	})
}

func (s *BoltStore) IncrementTurnCount(_ context.Context, id string) (*Conversation, error) {
	return s.updateConversation([]byte(id), func(c *Conversation) error {
		c.Count++
		return nil
	})
}

func (s *BoltStore) CommitTurn(_ context.Context, id string, msg Message, expectedCount int) (*Conversation, error) {
	return s.updateConversation([]byte(id), func(c *Conversation) error {
		if c.Count != expectedCount {
			return ErrCountConflict
		}
		c.Messages = append(c.Messages, msg)
		c.Count++
		return nil
	})
}

func (s *BoltStore) TrimTrailing(_ context.Context, key ConversationKey) (*Conversation, error) {
	var c *Conversation
	err := s.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(conversationKeysBucket).Get(conversationIndexKey(key))
		if id == nil {
			return errNothingToTrim
		}
		var err error
		c, err = getConversation(tx, id)
		if err != nil {
			return err
		}
		if c == nil || len(c.Messages) == 0 {
			return errNothingToTrim
		}
		c.Messages = c.Messages[:len(c.Messages)-1]
		return putConversation(tx, c)
	})
	if errors.Is(err, errNothingToTrim) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *BoltStore) ListConversations(ctx context.Context, domainID string, filter ConversationFilter) iter.Seq2[*Conversation, error] {
	return func(yield func(*Conversation, error) bool) {
		var before []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, next, err := s.listPage(domainID, filter, before)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if next == nil {
				return
			}
			before = next
		}
	}
}

// listPage walks the conversations bucket backwards from just below the
// before key. UUIDv7 ids sort by creation time, so this is newest first.
// next is nil once the bucket is exhausted.
func (s *BoltStore) listPage(domainID string, filter ConversationFilter, before []byte) ([]*Conversation, []byte, error) {
	var (
		page []*Conversation
		next []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(conversationsBucket).Cursor()

		var k, v []byte
		if before == nil {
			k, v = cur.Last()
		} else {
			k, v = cur.Seek(before)
			if k == nil {
				k, v = cur.Last()
			}
			for k != nil && bytes.Compare(k, before) >= 0 {
				k, v = cur.Prev()
			}
		}

		for ; k != nil; k, v = cur.Prev() {
			var c Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding conversation %s: %w", k, err)
			}
			if c.DomainID != domainID || !filter.match(&c) {
				continue
			}
			page = append(page, &c)
			if len(page) == listPageSize {
				next = bytes.Clone(k)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return page, next, nil
}

func (s *BoltStore) GetSettings(_ context.Context, domainID string) (*Settings, error) {
	var st Settings
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		if v := b.Get([]byte(domainID)); v != nil {
			return json.Unmarshal(v, &st)
		}
		st = DefaultSettings(domainID)
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(domainID), data)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) SaveSettings(_ context.Context, domainID string, st Settings) error {
	st.DomainID = domainID
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return tx.Bucket(settingsBucket).Put([]byte(domainID), data)
	})
}

func (s *BoltStore) GetProblem(_ context.Context, domainID, pid string) (*Problem, error) {
	var p *Problem
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(problemsBucket).Get(problemKey(domainID, pid))
		if v == nil {
			return nil
		}
		p = &Problem{}
		return json.Unmarshal(v, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BoltStore) SaveProblem(_ context.Context, p Problem) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(problemsBucket).Put(problemKey(p.DomainID, p.PID), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
