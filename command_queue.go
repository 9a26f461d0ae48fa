package caresync

import (
	"container/heap"

	"golang.org/x/exp/slices"
)

// ordered by (priority, seq). Not safe for concurrent use;
// the mutation queue guards it with its state lock together
// with the persisted snapshot.
type commandQueue struct {
	orderedRecords []*MutationRecord
	// mutation_id -> record
	idRecords map[Id]*MutationRecord
}

func newCommandQueue() *commandQueue {
	commandQueue := &commandQueue{
		orderedRecords: []*MutationRecord{},
		idRecords:      map[Id]*MutationRecord{},
	}
	heap.Init(commandQueue)
	return commandQueue
}

func (self *commandQueue) Size() int {
	return len(self.orderedRecords)
}

func (self *commandQueue) Add(record *MutationRecord) {
	self.idRecords[record.MutationId] = record
	heap.Push(self, record)
}

func (self *commandQueue) GetById(mutationId Id) *MutationRecord {
	return self.idRecords[mutationId]
}

func (self *commandQueue) RemoveById(mutationId Id) *MutationRecord {
	record, ok := self.idRecords[mutationId]
	if !ok {
		return nil
	}
	delete(self.idRecords, mutationId)
	record_ := heap.Remove(self, record.heapIndex)
	if record != record_ {
		panic("Heap invariant broken.")
	}
	return record
}

func (self *commandQueue) PeekFirst() *MutationRecord {
	if len(self.orderedRecords) == 0 {
		return nil
	}
	return self.orderedRecords[0]
}

func (self *commandQueue) Clear() {
	self.orderedRecords = []*MutationRecord{}
	self.idRecords = map[Id]*MutationRecord{}
}

// execution-ordered snapshot, used for the persisted blob
func (self *commandQueue) Records() []*MutationRecord {
	records := slices.Clone(self.orderedRecords)
	slices.SortFunc(records, compareMutationRecords)
	return records
}

func compareMutationRecords(a *MutationRecord, b *MutationRecord) int {
	if a.Priority.rank() != b.Priority.rank() {
		return a.Priority.rank() - b.Priority.rank()
	}
	// fifo within one priority tier
	if a.Seq < b.Seq {
		return -1
	} else if b.Seq < a.Seq {
		return 1
	} else {
		return 0
	}
}

// heap.Interface

func (self *commandQueue) Push(x any) {
	record := x.(*MutationRecord)
	record.heapIndex = len(self.orderedRecords)
	self.orderedRecords = append(self.orderedRecords, record)
}

func (self *commandQueue) Pop() any {
	n := len(self.orderedRecords)
	i := n - 1
	record := self.orderedRecords[i]
	self.orderedRecords[i] = nil
	self.orderedRecords = self.orderedRecords[:n-1]
	return record
}

// sort.Interface

func (self *commandQueue) Len() int {
	return len(self.orderedRecords)
}

func (self *commandQueue) Less(i int, j int) bool {
	return compareMutationRecords(self.orderedRecords[i], self.orderedRecords[j]) < 0
}

func (self *commandQueue) Swap(i int, j int) {
	a := self.orderedRecords[i]
	b := self.orderedRecords[j]
	b.heapIndex = i
	self.orderedRecords[i] = b
	a.heapIndex = j
	self.orderedRecords[j] = a
}
