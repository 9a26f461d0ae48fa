package caresync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get("a")
	assert.Equal(t, true, errors.Is(err, ErrKeyNotFound))

	assert.Equal(t, nil, store.Put("a", []byte("one")))
	value, err := store.Get("a")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("one"), value)

	// the stored value is isolated from caller mutation
	value[0] = 'x'
	value, err = store.Get("a")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("one"), value)

	assert.Equal(t, nil, store.Delete("a"))
	_, err = store.Get("a")
	assert.Equal(t, true, errors.Is(err, ErrKeyNotFound))

	// delete of a missing key is a no-op
	assert.Equal(t, nil, store.Delete("a"))
}

func TestBadgerStore(t *testing.T) {
	dirPath := t.TempDir()

	store, err := OpenBadgerStore(dirPath)
	assert.Equal(t, nil, err)

	_, err = store.Get("queue")
	assert.Equal(t, true, errors.Is(err, ErrKeyNotFound))

	assert.Equal(t, nil, store.Put("queue", []byte(`{"records":[]}`)))
	value, err := store.Get("queue")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(`{"records":[]}`), value)

	// survives reopen
	assert.Equal(t, nil, store.Close())
	store, err = OpenBadgerStore(dirPath)
	assert.Equal(t, nil, err)
	defer store.Close()

	value, err = store.Get("queue")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte(`{"records":[]}`), value)

	assert.Equal(t, nil, store.Delete("queue"))
	_, err = store.Get("queue")
	assert.Equal(t, true, errors.Is(err, ErrKeyNotFound))
}
