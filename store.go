package caresync

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// key-value persistence used for the mutation queue and outbound
// buffer snapshots. Every queue state change is written through a
// store before the call that produced it returns.
type Store interface {
	// returns ErrKeyNotFound when the key is not present
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// in-memory store for tests and for the degraded mode when a durable
// store cannot be opened
type MemoryStore struct {
	stateLock sync.Mutex
	values    map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: map[string][]byte{},
	}
}

func (self *MemoryStore) Get(key string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

func (self *MemoryStore) Put(key string, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[key] = slices.Clone(value)
	return nil
}

func (self *MemoryStore) Delete(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.values, key)
	return nil
}

func (self *MemoryStore) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.values)
}
