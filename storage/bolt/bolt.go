// Package bolt persists case snapshots in a Bolt database: one bucket
// for all cases, one key per case id, JSON values.
package bolt

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/caseworks/docket/engine"
	"github.com/caseworks/docket/storage"

	bolt "go.etcd.io/bbolt"
)

var casesBucket = []byte("cases")

type Store struct {
	Debug    bool
	filename string
	db       *bolt.DB
}

func NewStore(filename string) (*Store, error) {
	return &Store{
		filename: filename,
	}, nil
}

func (s *Store) Open() error {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return err
	}
	s.db = db

	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(casesBucket)
		return err
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.Debug {
		log.Printf("Bolt Store."+format, args...)
	}
}

func (s *Store) Save(ctx context.Context, snap *engine.CaseSnapshot) error {
	s.logf("Save %s", snap.Id)
	bs, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(casesBucket).Put([]byte(snap.Id), bs)
	})
}

func (s *Store) Load(ctx context.Context, caseID string) (*engine.CaseSnapshot, error) {
	s.logf("Load %s", caseID)
	var snap *engine.CaseSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(casesBucket).Get([]byte(caseID))
		if bs == nil {
			return storage.NotFound
		}
		snap = &engine.CaseSnapshot{}
		return json.Unmarshal(bs, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) Remove(ctx context.Context, caseID string) error {
	s.logf("Remove %s", caseID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(casesBucket).Delete([]byte(caseID))
	})
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, 32)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(casesBucket).Cursor()
		for id, _ := c.First(); id != nil; id, _ = c.Next() {
			ids = append(ids, string(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("List found %d cases", len(ids))
	return ids, nil
}
