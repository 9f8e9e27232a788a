package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"chatrelay/wire"
)

var (
	bucketUsers       = []byte("users")
	bucketUsersByName = []byte("users_by_name")
	bucketChannels    = []byte("channels")
	bucketMessages    = []byte("messages")
)

// boltStore implements `Store` on an embedded bbolt file. Messages live in a
// nested bucket per channel, keyed by the bucket sequence zero-padded to 19
// digits so a plain cursor scan yields creation order.
type boltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bolt file at path and prepares the schema.
func OpenBolt(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUsersByName, bucketChannels, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltStore{db: db}, nil
}

func messageKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%019d", seq))
}

func (s *boltStore) ListMessages(ctx context.Context, channelID string) ([]wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := []wire.Message{}
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var m wire.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) CreateMessage(ctx context.Context, content, authorID, channelID string) (*wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, newValidationError("content", "must not be empty")
	}

	msg := &wire.Message{
		ID:        newID(),
		Content:   content,
		ChannelID: channelID,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		author := tx.Bucket(bucketUsers).Get([]byte(authorID))
		if author == nil {
			return newValidationError("author_id", "unknown user")
		}
		if err := json.Unmarshal(author, &msg.Author); err != nil {
			return err
		}

		if tx.Bucket(bucketChannels).Get([]byte(channelID)) == nil {
			return newValidationError("channel_id", "unknown channel")
		}

		b, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(channelID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		value, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put(messageKey(seq), value)
	}); err != nil {
		return nil, err
	}

	return msg, nil
}

func (s *boltStore) ClearMessages(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(bucketMessages)
		if parent.Bucket([]byte(channelID)) == nil {
			return nil
		}
		if err := parent.DeleteBucket([]byte(channelID)); err != nil {
			return err
		}
		glog.V(5).Infof("cleared message bucket, channel: %s", channelID)
		return nil
	})
}

func (s *boltStore) EnsureUser(ctx context.Context, name string) (*wire.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, newValidationError("name", "must not be empty")
	}

	var u wire.User
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		byName := tx.Bucket(bucketUsersByName)
		if id := byName.Get([]byte(name)); id != nil {
			return json.Unmarshal(tx.Bucket(bucketUsers).Get(id), &u)
		}

		u = wire.User{ID: newID(), Name: name}
		value, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put([]byte(u.ID), value); err != nil {
			return err
		}
		return byName.Put([]byte(name), []byte(u.ID))
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *boltStore) GetUser(ctx context.Context, id string) (*wire.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var u wire.User
	if err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketUsers).Get([]byte(id))
		if value == nil {
			return newValidationError("id", "unknown user")
		}
		return json.Unmarshal(value, &u)
	}); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *boltStore) EnsureChannel(ctx context.Context, id, title string) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newValidationError("id", "must not be empty")
	}

	var c Channel
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if value := b.Get([]byte(id)); value != nil {
			return json.Unmarshal(value, &c)
		}

		c = Channel{ID: id, Title: title}
		value, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), value)
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
