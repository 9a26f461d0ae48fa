package caresync

import (
	"testing"
	"time"
)

const testWaitTimeout = 5 * time.Second

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()

	endTime := time.Now().Add(testWaitTimeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s.", description)
}
