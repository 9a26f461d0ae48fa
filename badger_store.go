package caresync

import (
	"errors"

	"github.com/dgraph-io/badger/v3"
)

// durable store on an embedded badger db.
// one db holds both the mutation queue snapshot and the outbound
// buffer snapshot under independent keys.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(dirPath string) (*BadgerStore, error) {
	options := badger.DefaultOptions(dirPath)
	options.Logger = nil
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db: db,
	}, nil
}

func (self *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, &PersistenceError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

func (self *BadgerStore) Put(key string, value []byte) error {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &PersistenceError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (self *BadgerStore) Delete(key string) error {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &PersistenceError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (self *BadgerStore) Close() error {
	return self.db.Close()
}
