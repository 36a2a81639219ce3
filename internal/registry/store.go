package registry

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const rowPrefix = "node/"

// BadgerStore persists registry rows in a local Badger database so the node
// table survives daemon restarts.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the row store at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func rowKey(id string) []byte {
	return []byte(rowPrefix + id)
}

// Put implements Store.
func (s *BadgerStore) Put(node Node) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rowKey(node.ID), raw)
	})
	if err != nil {
		return fmt.Errorf("put node %s: %w", node.ID, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(rowKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// All implements Store.
func (s *BadgerStore) All() ([]Node, error) {
	var rows []Node
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(rowPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var n Node
				if err := json.Unmarshal(val, &n); err != nil {
					return fmt.Errorf("decode row %s: %w", it.Item().Key(), err)
				}
				rows = append(rows, n)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
