package storage

import (
	"bytes"
	"context"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var chunksBucket = []byte("chunks")

// keySep cannot appear in document ids or chunk ids.
const keySep = "\x00"

func encodeKey(key Key) string {
	return strings.Join(key, keySep)
}

func decodeKey(k []byte) Key {
	return Key(strings.Split(string(k), keySep))
}

// Bolt stores chunks in a local bbolt file. The agent uses it to keep its
// replica across restarts.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, wrap("open", nil, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrap("open", nil, err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := checkKey("load", key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("load", key, err)
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(chunksBucket).Get([]byte(encodeKey(key))); v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	return data, wrap("load", key, err)
}

func (s *Bolt) Save(ctx context.Context, key Key, data []byte) error {
	if err := checkKey("save", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("save", key, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).Put([]byte(encodeKey(key)), data)
	})
	return wrap("save", key, err)
}

func (s *Bolt) Remove(ctx context.Context, key Key) error {
	if err := checkKey("remove", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("remove", key, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunksBucket).Delete([]byte(encodeKey(key)))
	})
	return wrap("remove", key, err)
}

func (s *Bolt) LoadRange(ctx context.Context, prefix Key) ([]Chunk, error) {
	if err := checkKey("load_range", prefix); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("load_range", prefix, err)
	}
	var out []Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, prefix, func(k, v []byte) {
			out = append(out, Chunk{Key: decodeKey(k), Data: append([]byte{}, v...)})
		})
	})
	if err != nil {
		return nil, wrap("load_range", prefix, err)
	}
	return out, nil
}

func (s *Bolt) RemoveRange(ctx context.Context, prefix Key) error {
	if err := checkKey("remove_range", prefix); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("remove_range", prefix, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		var keys [][]byte
		err := scan(tx, prefix, func(k, _ []byte) {
			keys = append(keys, append([]byte{}, k...))
		})
		if err != nil {
			return err
		}
		b := tx.Bucket(chunksBucket)
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("remove_range", prefix, err)
}

// scan visits the exact key for prefix and every key below it, in key order.
func scan(tx *bolt.Tx, prefix Key, fn func(k, v []byte)) error {
	exact := []byte(encodeKey(prefix))
	below := append(append([]byte{}, exact...), keySep...)
	c := tx.Bucket(chunksBucket).Cursor()
	for k, v := c.Seek(exact); k != nil; k, v = c.Next() {
		if bytes.Equal(k, exact) || bytes.HasPrefix(k, below) {
			fn(k, v)
			continue
		}
		if !bytes.HasPrefix(k, exact) {
			break
		}
	}
	return nil
}
