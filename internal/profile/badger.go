package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const badgerKeyPrefix = "profile/"

// BadgerStore persists profiles in an embedded BadgerDB, msgpack-encoded.
// Similarity queries scan every profile.
type BadgerStore struct {
	db *badger.DB
}

type badgerRecord struct {
	Name      string    `msgpack:"name"`
	Embedding []float32 `msgpack:"embedding"`
	Weight    int       `msgpack:"weight"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// NewBadgerStore opens dir, or an in-memory database when dir is empty.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger: logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger profile store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(name string) []byte {
	return []byte(badgerKeyPrefix + name)
}

func (s *BadgerStore) Fetch(_ context.Context, name string) (Profile, bool, error) {
	var rec badgerRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(name))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(val, &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("fetch profile %q: %w", name, err)
	}
	return Profile{Name: rec.Name, Embedding: rec.Embedding, Weight: rec.Weight}, true, nil
}

func (s *BadgerStore) Upsert(_ context.Context, p Profile) error {
	val, err := msgpack.Marshal(badgerRecord{
		Name:      p.Name,
		Embedding: p.Embedding,
		Weight:    p.Weight,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode profile %q: %w", p.Name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(p.Name), val)
	})
}

func (s *BadgerStore) Delete(_ context.Context, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *BadgerStore) scan(fn func(rec badgerRecord)) error {
	prefix := []byte(badgerKeyPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec badgerRecord
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode profile %q: %w", it.Item().Key(), err)
			}
			fn(rec)
		}
		return nil
	})
}

func (s *BadgerStore) QueryTopK(_ context.Context, vec []float32, k int) ([]Candidate, error) {
	vectors := make(map[string][]float32)
	if err := s.scan(func(rec badgerRecord) { vectors[rec.Name] = rec.Embedding }); err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}
	return rankTopK(vec, vectors, k), nil
}

func (s *BadgerStore) ListAll(_ context.Context) (map[string]int, error) {
	out := make(map[string]int)
	if err := s.scan(func(rec badgerRecord) { out[rec.Name] = rec.Weight }); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger output through slog, dropping info and debug chatter.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...), "component", "badger")
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...), "component", "badger")
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
