package caresync

import (
	"context"
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testMutationQueueSettings() *MutationQueueSettings {
	settings := DefaultMutationQueueSettings()
	settings.ExecuteTimeout = 1 * time.Second
	return settings
}

func TestMutationQueuePriorityThenFifoOrdering(t *testing.T) {
	reachability := NewToggleReachability(false)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	var stateLock sync.Mutex
	executedIds := []Id{}
	executors := NewExecutorTable()
	executors.Register("noop", func(ctx context.Context, args json.RawMessage) error {
		var mutationId Id
		if err := json.Unmarshal(args, &mutationId); err != nil {
			return err
		}
		stateLock.Lock()
		defer stateLock.Unlock()
		executedIds = append(executedIds, mutationId)
		return nil
	})

	queue := NewMutationQueue(context.Background(), NewMemoryStore(), monitor, executors, testMutationQueueSettings())
	defer queue.Close()

	// enqueue a low then a high while offline. The high must run first.
	lowArgId := NewId()
	highArgId := NewId()
	lowId, err := queue.Enqueue("noop", lowArgId, MutationPriorityLow)
	assert.Equal(t, nil, err)
	highId, err := queue.Enqueue("noop", highArgId, MutationPriorityHigh)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, queue.PendingCount())

	records := queue.PendingRecords()
	assert.Equal(t, 2, len(records))
	assert.Equal(t, highId, records[0].MutationId)
	assert.Equal(t, lowId, records[1].MutationId)

	reachability.Set(true)
	waitFor(t, "queue to drain", func() bool {
		return queue.PendingCount() == 0
	})

	stateLock.Lock()
	assert.Equal(t, []Id{highArgId, lowArgId}, executedIds)
	stateLock.Unlock()

	// shuffled bulk: execution order must be priority then arrival
	reachability.Set(false)
	stateLock.Lock()
	executedIds = []Id{}
	stateLock.Unlock()

	priorities := []MutationPriority{}
	for i := 0; i < 30; i += 1 {
		priorities = append(priorities, []MutationPriority{
			MutationPriorityHigh,
			MutationPriorityNormal,
			MutationPriorityLow,
		}[mathrand.Intn(3)])
	}

	argIds := map[Id]MutationPriority{}
	arrival := map[Id]int{}
	for i, priority := range priorities {
		argId := NewId()
		_, err := queue.Enqueue("noop", argId, priority)
		assert.Equal(t, nil, err)
		argIds[argId] = priority
		arrival[argId] = i
	}

	reachability.Set(true)
	waitFor(t, "queue to drain", func() bool {
		return queue.PendingCount() == 0
	})

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, len(priorities), len(executedIds))
	for i := 1; i < len(executedIds); i += 1 {
		a := executedIds[i-1]
		b := executedIds[i]
		rankA := argIds[a].rank()
		rankB := argIds[b].rank()
		if rankB < rankA {
			t.Fatalf("Priority order violated at %d.", i)
		}
		if rankA == rankB && arrival[b] < arrival[a] {
			t.Fatalf("Fifo order violated at %d.", i)
		}
	}
}

func TestMutationQueueBoundedRetries(t *testing.T) {
	reachability := NewToggleReachability(true)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	var stateLock sync.Mutex
	executeCount := 0
	executors := NewExecutorTable()
	executors.Register("always_fail", func(ctx context.Context, args json.RawMessage) error {
		stateLock.Lock()
		defer stateLock.Unlock()
		executeCount += 1
		return errors.New("transient network error")
	})

	queue := NewMutationQueue(context.Background(), NewMemoryStore(), monitor, executors, testMutationQueueSettings())
	defer queue.Close()

	var droppedRecord *MutationRecord
	var droppedReason error
	queue.AddMutationDropCallback(func(record *MutationRecord, reason error) {
		stateLock.Lock()
		defer stateLock.Unlock()
		droppedRecord = record
		droppedReason = reason
	})

	mutationId, err := queue.EnqueueWithRetries("always_fail", nil, MutationPriorityNormal, 3)
	assert.Equal(t, nil, err)

	// each drain executes the head once, then stops on the
	// retry-pending head to preserve ordering
	waitFor(t, "queue to settle", func() bool {
		queue.Drain()
		return queue.PendingCount() == 0
	})

	stateLock.Lock()
	defer stateLock.Unlock()

	// max_retries + 1 total executions, then permanent removal
	assert.Equal(t, 4, executeCount)
	assert.NotEqual(t, nil, droppedRecord)
	assert.Equal(t, mutationId, droppedRecord.MutationId)
	assert.Equal(t, true, errors.Is(droppedReason, ErrRetryExhausted))

	// no further executions once dropped
	queue.Drain()
	assert.Equal(t, 4, executeCount)
}

func TestMutationQueueStopsOnRetryPendingHead(t *testing.T) {
	reachability := NewToggleReachability(false)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	var stateLock sync.Mutex
	okCount := 0
	executors := NewExecutorTable()
	executors.Register("always_fail", func(ctx context.Context, args json.RawMessage) error {
		return errors.New("transient network error")
	})
	executors.Register("noop", func(ctx context.Context, args json.RawMessage) error {
		stateLock.Lock()
		defer stateLock.Unlock()
		okCount += 1
		return nil
	})

	queue := NewMutationQueue(context.Background(), NewMemoryStore(), monitor, executors, testMutationQueueSettings())
	defer queue.Close()

	queue.EnqueueWithRetries("always_fail", nil, MutationPriorityNormal, 5)
	queue.Enqueue("noop", nil, MutationPriorityNormal)

	reachability.Set(true)
	queue.Drain()
	// let any drain triggered by the online transition settle too
	time.Sleep(50 * time.Millisecond)

	// the stuck head blocks younger items. Ordering over liveness.
	stateLock.Lock()
	assert.Equal(t, 0, okCount)
	stateLock.Unlock()
	assert.Equal(t, 2, queue.PendingCount())
}

func TestMutationQueueUnknownCommandDropped(t *testing.T) {
	reachability := NewToggleReachability(true)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	queue := NewMutationQueue(context.Background(), NewMemoryStore(), monitor, NewExecutorTable(), testMutationQueueSettings())
	defer queue.Close()

	var stateLock sync.Mutex
	var droppedReason error
	queue.AddMutationDropCallback(func(record *MutationRecord, reason error) {
		stateLock.Lock()
		defer stateLock.Unlock()
		droppedReason = reason
	})

	_, err := queue.Enqueue("never_registered", nil, MutationPriorityNormal)
	assert.Equal(t, nil, err)

	waitFor(t, "queue to settle", func() bool {
		queue.Drain()
		return queue.PendingCount() == 0
	})

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, true, errors.Is(droppedReason, ErrUnknownCommand))
}

func TestMutationQueueRestartRehydrates(t *testing.T) {
	store := NewMemoryStore()

	reachability := NewToggleReachability(false)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	executors := NewExecutorTable()

	queue := NewMutationQueue(context.Background(), store, monitor, executors, testMutationQueueSettings())

	enqueuedIds := []Id{}
	for i := 0; i < 10; i += 1 {
		priority := []MutationPriority{
			MutationPriorityHigh,
			MutationPriorityNormal,
			MutationPriorityLow,
		}[i%3]
		mutationId, err := queue.Enqueue("noop", i, priority)
		assert.Equal(t, nil, err)
		enqueuedIds = append(enqueuedIds, mutationId)
	}

	expectedRecords := queue.PendingRecords()
	queue.Close()

	// a restarted process sees the identical pending set, same order
	restartedQueue := NewMutationQueue(context.Background(), store, monitor, executors, testMutationQueueSettings())
	defer restartedQueue.Close()

	restartedRecords := restartedQueue.PendingRecords()
	assert.Equal(t, len(expectedRecords), len(restartedRecords))
	for i := range expectedRecords {
		assert.Equal(t, expectedRecords[i].MutationId, restartedRecords[i].MutationId)
		assert.Equal(t, expectedRecords[i].CommandType, restartedRecords[i].CommandType)
		assert.Equal(t, expectedRecords[i].Priority, restartedRecords[i].Priority)
		assert.Equal(t, expectedRecords[i].Seq, restartedRecords[i].Seq)
	}

	// new enqueues continue the sequence rather than reusing it
	mutationId, err := restartedQueue.Enqueue("noop", nil, MutationPriorityLow)
	assert.Equal(t, nil, err)
	records := restartedQueue.PendingRecords()
	last := records[len(records)-1]
	assert.Equal(t, mutationId, last.MutationId)
	assert.Equal(t, true, expectedRecords[len(expectedRecords)-1].Seq < last.Seq)
}

func TestMutationQueueClearDuringDrain(t *testing.T) {
	reachability := NewToggleReachability(true)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	executing := make(chan struct{})
	release := make(chan struct{})
	executors := NewExecutorTable()
	executors.Register("slow", func(ctx context.Context, args json.RawMessage) error {
		close(executing)
		<-release
		return nil
	})

	store := NewMemoryStore()
	queue := NewMutationQueue(context.Background(), store, monitor, executors, testMutationQueueSettings())
	defer queue.Close()

	reachability.Set(false)
	queue.Enqueue("slow", nil, MutationPriorityNormal)
	queue.Enqueue("slow", nil, MutationPriorityNormal)

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		reachability.Set(true)
		queue.Drain()
	}()

	<-executing
	queue.Clear()
	assert.Equal(t, 0, queue.PendingCount())
	close(release)

	select {
	case <-drainDone:
	case <-time.After(testWaitTimeout):
		t.Fatal("Drain did not exit after clear.")
	}
	assert.Equal(t, 0, queue.PendingCount())
}

func TestMutationQueueSingleFlightDrain(t *testing.T) {
	reachability := NewToggleReachability(false)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	var stateLock sync.Mutex
	concurrent := 0
	maxConcurrent := 0
	executed := 0
	executors := NewExecutorTable()
	executors.Register("noop", func(ctx context.Context, args json.RawMessage) error {
		stateLock.Lock()
		concurrent += 1
		if maxConcurrent < concurrent {
			maxConcurrent = concurrent
		}
		stateLock.Unlock()

		time.Sleep(1 * time.Millisecond)

		stateLock.Lock()
		concurrent -= 1
		executed += 1
		stateLock.Unlock()
		return nil
	})

	queue := NewMutationQueue(context.Background(), NewMemoryStore(), monitor, executors, testMutationQueueSettings())
	defer queue.Close()

	n := 20
	for i := 0; i < n; i += 1 {
		queue.Enqueue("noop", nil, MutationPriorityNormal)
	}

	// two rapid offline->online flips. Each online transition triggers
	// a drain attempt; the single-flight guard keeps one drain active.
	reachability.Set(true)
	reachability.Set(false)
	reachability.Set(true)

	waitFor(t, "queue to drain", func() bool {
		queue.Drain()
		return queue.PendingCount() == 0
	})

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, n, executed)
	assert.Equal(t, 1, maxConcurrent)
}

func TestMutationQueueExecutionTimeout(t *testing.T) {
	reachability := NewToggleReachability(true)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	executors := NewExecutorTable()
	executors.Register("hang", func(ctx context.Context, args json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})

	settings := testMutationQueueSettings()
	settings.ExecuteTimeout = 10 * time.Millisecond
	queue := NewMutationQueue(context.Background(), NewMemoryStore(), monitor, executors, settings)
	defer queue.Close()

	queue.EnqueueWithRetries("hang", nil, MutationPriorityNormal, 0)

	// a timeout is an ordinary failure: it feeds the retry/drop path
	// instead of hanging the drain loop
	waitFor(t, "queue to settle", func() bool {
		queue.Drain()
		return queue.PendingCount() == 0
	})
}

// a store that fails writes on demand
type faultStore struct {
	*MemoryStore

	stateLock sync.Mutex
	failPuts  bool
}

func newFaultStore() *faultStore {
	return &faultStore{
		MemoryStore: NewMemoryStore(),
	}
}

func (self *faultStore) setFailPuts(failPuts bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failPuts = failPuts
}

func (self *faultStore) Put(key string, value []byte) error {
	self.stateLock.Lock()
	failPuts := self.failPuts
	self.stateLock.Unlock()

	if failPuts {
		return &PersistenceError{Op: "put", Key: key, Err: errors.New("disk full")}
	}
	return self.MemoryStore.Put(key, value)
}

func TestMutationQueuePersistenceDegradesInMemory(t *testing.T) {
	reachability := NewToggleReachability(false)
	monitor := NewConnectivityMonitor(reachability)
	defer monitor.Close()

	store := newFaultStore()
	store.setFailPuts(true)

	queue := NewMutationQueue(context.Background(), store, monitor, NewExecutorTable(), testMutationQueueSettings())
	defer queue.Close()

	// a store failure is a durability degradation, not an enqueue error
	_, err := queue.Enqueue("noop", nil, MutationPriorityNormal)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, queue.PendingCount())
}
