package caresync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a persisted, priority-ordered queue of deferred write operations,
// drained serially while online.
//
// mutations are serializable tagged commands (command type + args)
// resolved against a registered executor table at drain time, so a
// queue persisted before a crash resumes after restart.
//
// record lifecycle:
//
//	Pending
//	  -> Executing
//	    -> Succeeded (removed)
//	    -> Retry-Pending (back to Pending, retry count incremented)
//	    -> Dropped (removed, retries exhausted)

type MutationPriority string

const (
	MutationPriorityHigh   MutationPriority = "high"
	MutationPriorityNormal MutationPriority = "normal"
	MutationPriorityLow    MutationPriority = "low"
)

func (self MutationPriority) rank() int {
	switch self {
	case MutationPriorityHigh:
		return 0
	case MutationPriorityNormal:
		return 1
	default:
		return 2
	}
}

type MutationRecord struct {
	MutationId  Id               `json:"mutation_id"`
	CommandType string           `json:"command_type"`
	Args        json.RawMessage  `json:"args,omitempty"`
	Priority    MutationPriority `json:"priority"`
	EnqueueTime time.Time        `json:"enqueue_time"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Seq         uint64           `json:"seq"`

	// the index of the record in the heap
	heapIndex int
}

// caller-supplied asynchronous work, opaque to the core.
// a nil return removes the record; any error feeds the retry path.
type ExecutorFunction = func(ctx context.Context, args json.RawMessage) error

// command type -> executor. Populated by feature code at startup so
// that rehydrated records can be resolved after a restart.
type ExecutorTable struct {
	stateLock sync.Mutex
	executors map[string]ExecutorFunction
}

func NewExecutorTable() *ExecutorTable {
	return &ExecutorTable{
		executors: map[string]ExecutorFunction{},
	}
}

func (self *ExecutorTable) Register(commandType string, executor ExecutorFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.executors[commandType] = executor
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		delete(self.executors, commandType)
	}
}

func (self *ExecutorTable) Get(commandType string) (ExecutorFunction, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	executor, ok := self.executors[commandType]
	return executor, ok
}

type MutationDropFunction = func(record *MutationRecord, reason error)

type MutationQueueSettings struct {
	// store key for the persisted queue snapshot
	StoreKey string
	// bound on a single mutation execution. A timeout is treated
	// identically to any other execution failure.
	ExecuteTimeout time.Duration
	// retry cap applied when `Enqueue` is not given one
	DefaultMaxRetries int
}

func DefaultMutationQueueSettings() *MutationQueueSettings {
	return &MutationQueueSettings{
		StoreKey:          "caresync.mutation_queue",
		ExecuteTimeout:    30 * time.Second,
		DefaultMaxRetries: 3,
	}
}

// the persisted blob
type mutationQueueSnapshot struct {
	NextSeq uint64            `json:"next_seq"`
	Records []*MutationRecord `json:"records"`
}

type MutationQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     Store
	monitor   *ConnectivityMonitor
	executors *ExecutorTable

	settings *MutationQueueSettings

	stateLock   sync.Mutex
	queue       *commandQueue
	nextSeq     uint64
	drainActive bool

	unsubMonitor func()

	dropCallbacks *CallbackList[MutationDropFunction]
}

func NewMutationQueueWithDefaults(
	ctx context.Context,
	store Store,
	monitor *ConnectivityMonitor,
	executors *ExecutorTable,
) *MutationQueue {
	return NewMutationQueue(ctx, store, monitor, executors, DefaultMutationQueueSettings())
}

func NewMutationQueue(
	ctx context.Context,
	store Store,
	monitor *ConnectivityMonitor,
	executors *ExecutorTable,
	settings *MutationQueueSettings,
) *MutationQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	mutationQueue := &MutationQueue{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		monitor:       monitor,
		executors:     executors,
		settings:      settings,
		queue:         newCommandQueue(),
		dropCallbacks: NewCallbackList[MutationDropFunction](),
	}
	mutationQueue.rehydrate()
	mutationQueue.unsubMonitor = monitor.AddConnectivityChangeCallback(func(online bool) {
		if online {
			go mutationQueue.Drain()
		}
	})
	return mutationQueue
}

// invoked when a mutation is permanently removed without success,
// either at the retry cap or for an unregistered command type
func (self *MutationQueue) AddMutationDropCallback(dropCallback MutationDropFunction) func() {
	callbackId := self.dropCallbacks.Add(dropCallback)
	return func() {
		self.dropCallbacks.Remove(callbackId)
	}
}

// inserts maintaining priority-then-fifo order and persists before
// returning. If currently online, a drain attempt is triggered.
func (self *MutationQueue) Enqueue(commandType string, args any, priority MutationPriority) (Id, error) {
	return self.EnqueueWithRetries(commandType, args, priority, self.settings.DefaultMaxRetries)
}

func (self *MutationQueue) EnqueueWithRetries(commandType string, args any, priority MutationPriority, maxRetries int) (Id, error) {
	if commandType == "" {
		return Id{}, errors.New("Missing command type.")
	}

	var argsJson json.RawMessage
	if args != nil {
		var err error
		argsJson, err = json.Marshal(args)
		if err != nil {
			return Id{}, err
		}
	}

	record := &MutationRecord{
		MutationId:  NewId(),
		CommandType: commandType,
		Args:        argsJson,
		Priority:    priority,
		EnqueueTime: time.Now(),
		MaxRetries:  maxRetries,
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		record.Seq = self.nextSeq
		self.nextSeq += 1
		self.queue.Add(record)
		self.persist()
	}()

	glog.V(1).Infof("[q]enqueue %s %s/%s\n", record.MutationId, record.CommandType, record.Priority)

	if self.monitor.IsOnline() {
		go self.Drain()
	}

	return record.MutationId, nil
}

func (self *MutationQueue) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.queue.Size()
}

// pending records in execution order. Copies; callers cannot mutate
// queue state through them.
func (self *MutationQueue) PendingRecords() []*MutationRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*MutationRecord{}
	for _, record := range self.queue.Records() {
		recordCopy := *record
		records = append(records, &recordCopy)
	}
	return records
}

// explicit user action. Wipes the persisted snapshot.
// safe to call while a drain is in progress; the drain observes an
// empty queue on its next iteration and exits.
func (self *MutationQueue) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.queue.Clear()
	self.persist()
}

// executes queued mutations serially while the connectivity snapshot
// is online. Single-flight: a second caller returns immediately with
// false while a drain is active. Blocks the calling goroutine until
// the loop exits, so callers that do not want to wait use `go`.
//
// ordering is strict priority-then-fifo. A head record that fails
// with retries remaining stops the loop rather than letting younger
// records jump ahead.
func (self *MutationQueue) Drain() bool {
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.drainActive {
			return false
		}
		self.drainActive = true
		return true
	}()
	if !ok {
		return false
	}

	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.drainActive = false
	}()

	for {
		select {
		case <-self.ctx.Done():
			return true
		default:
		}

		if !self.monitor.IsOnline() {
			return true
		}

		var head MutationRecord
		ok := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			record := self.queue.PeekFirst()
			if record == nil {
				return false
			}
			head = *record
			return true
		}()
		if !ok {
			return true
		}

		executor, ok := self.executors.Get(head.CommandType)
		if !ok {
			// cannot ever execute. Remove rather than wedge the queue.
			glog.Infof("[q]drop %s unknown command %s\n", head.MutationId, head.CommandType)
			if removed := self.remove(head.MutationId); removed != nil {
				self.notifyDrop(removed, ErrUnknownCommand)
			}
			continue
		}

		err := self.execute(executor, head.Args)
		if err == nil {
			self.remove(head.MutationId)
			glog.V(1).Infof("[q]done %s %s\n", head.MutationId, head.CommandType)
			continue
		}

		// the execution is outside the state lock, so the record may
		// have been cleared while it was in flight
		var dropped *MutationRecord
		retryPending := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			record := self.queue.GetById(head.MutationId)
			if record == nil {
				return
			}
			record.RetryCount += 1
			if record.MaxRetries < record.RetryCount {
				dropped = self.queue.RemoveById(record.MutationId)
			} else {
				retryPending = true
			}
			self.persist()
		}()

		if dropped != nil {
			glog.Infof("[q]drop %s %s after %d attempts = %s\n", dropped.MutationId, dropped.CommandType, dropped.RetryCount, err)
			self.notifyDrop(dropped, errors.Join(ErrRetryExhausted, err))
			continue
		}
		if retryPending {
			// stop rather than skip ahead, to preserve ordering
			glog.Infof("[q]retry pending %s %s = %s\n", head.MutationId, head.CommandType, err)
			return true
		}
	}
}

func (self *MutationQueue) execute(executor ExecutorFunction, args json.RawMessage) error {
	executeCtx, executeCancel := context.WithTimeout(self.ctx, self.settings.ExecuteTimeout)
	defer executeCancel()

	return executor(executeCtx, args)
}

func (self *MutationQueue) remove(mutationId Id) *MutationRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record := self.queue.RemoveById(mutationId)
	if record != nil {
		self.persist()
	}
	return record
}

func (self *MutationQueue) notifyDrop(record *MutationRecord, reason error) {
	for _, dropCallback := range self.dropCallbacks.Get() {
		dropCallback := dropCallback
		handleCallback("[q]", func() {
			dropCallback(record, reason)
		})
	}
}

// must be called with `stateLock`
func (self *MutationQueue) persist() {
	snapshot := &mutationQueueSnapshot{
		NextSeq: self.nextSeq,
		Records: self.queue.Records(),
	}
	snapshotJson, err := json.Marshal(snapshot)
	if err != nil {
		glog.Infof("[q]persist marshal error = %s\n", err)
		return
	}
	if err := self.store.Put(self.settings.StoreKey, snapshotJson); err != nil {
		// proceed in-memory. Durability is degraded until the store recovers.
		glog.Infof("[q]persist error = %s\n", err)
	}
}

func (self *MutationQueue) rehydrate() {
	snapshotJson, err := self.store.Get(self.settings.StoreKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			glog.Infof("[q]rehydrate error = %s\n", err)
		}
		return
	}

	var snapshot mutationQueueSnapshot
	if err := json.Unmarshal(snapshotJson, &snapshot); err != nil {
		glog.Infof("[q]rehydrate unmarshal error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextSeq = snapshot.NextSeq
	for _, record := range snapshot.Records {
		self.queue.Add(record)
	}
}

func (self *MutationQueue) Close() {
	self.cancel()
	if self.unsubMonitor != nil {
		self.unsubMonitor()
		self.unsubMonitor = nil
	}
}
