package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"photoflow/internal/domain"
)

var taskBucket = []byte("tasks")

type boltStore struct{ db *bolt.DB }

// OpenBolt opens a bbolt-backed store. Values are JSON-encoded tasks
// keyed by task id.
func OpenBolt(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Load(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(taskBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue // skip unreadable rows
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

func (s *boltStore) Put(ctx context.Context, t domain.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(taskBucket).Put([]byte(t.ID), data)
	})
}

func (s *boltStore) Delete(ctx context.Context, ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Close() error { return s.db.Close() }
