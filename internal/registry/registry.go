// Package registry persists the machine index: a name → MachineRecord
// mapping for every machine baker has installed.
//
// The index is advisory. The provider remains the source of truth for
// whether a machine exists; the registry lists what baker believes it has
// installed and where each machine's working directory lives.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/containerd/errdefs"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/baker/api/v1alpha1"
)

const keyPrefix = "machine:"

// Store is a badger-backed machine index.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the index in dir.
func Open(dir string, log logrus.FieldLogger) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	return open(opts, log)
}

// OpenInMemory opens an index that lives only as long as the Store.
func OpenInMemory(log logrus.FieldLogger) (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	return open(opts, log)
}

func open(opts badger.Options, log logrus.FieldLogger) (*Store, error) {
	opts.Logger = nil
	if log != nil {
		opts.Logger = badgerLogger{log.WithField("component", "registry")}
	}
	// the index holds a handful of small records
	opts = opts.WithValueLogFileSize(1 << 20).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open machine index: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func machineKey(name string) []byte {
	return []byte(keyPrefix + name)
}

// Add stores rec under rec.Name, replacing any existing entry.
func (s *Store) Add(_ context.Context, rec *v1alpha1.MachineRecord) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("machine record name is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode machine record %s: %w", rec.Name, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(machineKey(rec.Name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to add machine %s to index: %w", rec.Name, err)
	}
	return nil
}

// Remove deletes the entry for name. Removing a missing entry succeeds.
func (s *Store) Remove(_ context.Context, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(machineKey(name))
	})
	if err != nil {
		return fmt.Errorf("failed to remove machine %s from index: %w", name, err)
	}
	return nil
}

// Lookup returns the entry for name, or an error satisfying
// errdefs.IsNotFound when none exists.
func (s *Store) Lookup(_ context.Context, name string) (*v1alpha1.MachineRecord, error) {
	var rec v1alpha1.MachineRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(machineKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("machine %s: %w", name, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up machine %s: %w", name, err)
	}
	return &rec, nil
}

// List returns every entry sorted by name.
func (s *Store) List(_ context.Context) ([]*v1alpha1.MachineRecord, error) {
	var out []*v1alpha1.MachineRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec v1alpha1.MachineRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// badgerLogger routes badger's chatter through logrus, demoting info to debug.
type badgerLogger struct {
	log logrus.FieldLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warningf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }
