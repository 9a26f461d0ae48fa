package caresync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	assert.Equal(t, 0, callbacks.Len())
	assert.Equal(t, 0, len(callbacks.Get()))

	n := 10

	callbackIds := []Id{}
	for i := 0; i < n; i += 1 {
		i := i
		callbackId := callbacks.Add(func() int {
			return i
		})
		callbackIds = append(callbackIds, callbackId)
	}
	assert.Equal(t, n, callbacks.Len())

	// add order is preserved
	for i, callback := range callbacks.Get() {
		assert.Equal(t, i, callback())
	}

	// remove from the middle keeps the relative order of the rest
	callbacks.Remove(callbackIds[4])
	assert.Equal(t, n-1, callbacks.Len())
	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 5, 6, 7, 8, 9}, values)

	// removing an unknown id is a no-op
	callbacks.Remove(NewId())
	assert.Equal(t, n-1, callbacks.Len())

	// removing twice is a no-op
	callbacks.Remove(callbackIds[4])
	assert.Equal(t, n-1, callbacks.Len())
}

func TestHandleCallbackRecovers(t *testing.T) {
	ran := false
	handleCallback("[test]", func() {
		ran = true
		panic("callback error")
	})
	assert.Equal(t, true, ran)
}
