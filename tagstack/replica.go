package tagstack

import (
	"slices"

	"github.com/golang/glog"

	"github.com/kaosnet/tagsync/tags"
)

// Delta is the minimal description of what an observer is missing:
// records it must drop, records it has never seen, and records whose
// count changed. Entries are keyed by the stable per-record
// replication id, which survives the swap-pop position reuse on the
// authority.
type Delta struct {
	ArrayReplicationKey uint32
	Removed             []uint32
	Added               []DeltaAdd
	Changed             []DeltaChange
}

type DeltaAdd struct {
	Id    uint32
	Tag   tags.Tag
	Count int
}

type DeltaChange struct {
	Id    uint32
	Count int
}

func (self *Delta) IsEmpty() bool {
	return len(self.Removed) == 0 && len(self.Added) == 0 && len(self.Changed) == 0
}

// ReplicaState is the per-observer baseline: the last array key the
// observer acknowledged and the per-record keys it has seen. The
// authority keeps one per observer and advances it as deltas are
// written.
type ReplicaState struct {
	arrayReplicationKey uint32
	// replication id -> last seen replication key
	itemKeys map[uint32]uint32
}

func NewReplicaState() *ReplicaState {
	return &ReplicaState{
		itemKeys: map[uint32]uint32{},
	}
}

// WriteDelta diffs the container against `state` and advances `state`
// to the container's current keys. Returns false when the observer is
// already up to date.
func (self *Container) WriteDelta(state *ReplicaState) (*Delta, bool) {
	if state.arrayReplicationKey == self.arrayReplicationKey {
		return nil, false
	}

	delta := &Delta{
		ArrayReplicationKey: self.arrayReplicationKey,
	}

	present := map[uint32]bool{}
	for i := range self.stacks {
		stack := &self.stacks[i]
		present[stack.replicationId] = true
		key, ok := state.itemKeys[stack.replicationId]
		if !ok {
			delta.Added = append(delta.Added, DeltaAdd{
				Id:    stack.replicationId,
				Tag:   stack.tag,
				Count: stack.stackCount,
			})
		} else if key != stack.replicationKey {
			delta.Changed = append(delta.Changed, DeltaChange{
				Id:    stack.replicationId,
				Count: stack.stackCount,
			})
		}
		state.itemKeys[stack.replicationId] = stack.replicationKey
	}
	for id := range state.itemKeys {
		if !present[id] {
			delta.Removed = append(delta.Removed, id)
			delete(state.itemKeys, id)
		}
	}
	slices.Sort(delta.Removed)
	state.arrayReplicationKey = self.arrayReplicationKey

	if delta.IsEmpty() {
		// keys moved but contents did not, e.g. add then full remove
		// between two ticks. nothing for this observer.
		return nil, false
	}
	return delta, true
}

// ApplyDelta replays a received delta on a non-authoritative
// container. It performs the structural slice and index bookkeeping,
// then reproduces the container invariants and owner notifications
// through PreReplicatedRemove, PostReplicatedAdd and
// PostReplicatedChange — never through the Add/RemoveStack business
// logic, which already ran on the authority.
func (self *Container) ApplyDelta(delta *Delta) {
	finalSize := len(self.stacks) - len(delta.Removed) + len(delta.Added)

	if 0 < len(delta.Removed) {
		removedIndices := []int{}
		for _, id := range delta.Removed {
			index, ok := self.indexOfReplicationId(id)
			if !ok {
				glog.Warningf("[stack]replicated remove for unknown id %d\n", id)
				continue
			}
			removedIndices = append(removedIndices, index)
		}

		// counts and notifications first, while pre-removal positions
		// are still live
		self.PreReplicatedRemove(removedIndices, finalSize)

		// then the structural removal, highest index first so earlier
		// positions stay valid
		slices.Sort(removedIndices)
		for i := len(removedIndices) - 1; 0 <= i; i -= 1 {
			index := removedIndices[i]
			tag := self.stacks[index].tag
			last := len(self.stacks) - 1
			if index != last {
				self.stacks[index] = self.stacks[last]
				self.tagToIndex[self.stacks[index].tag] = index
			}
			self.stacks = self.stacks[:last]
			delete(self.tagToIndex, tag)
		}
	}

	if 0 < len(delta.Added) {
		addedIndices := []int{}
		for _, add := range delta.Added {
			if !add.Tag.IsValid() {
				glog.Warningf("[stack]replicated add with an invalid tag (id %d)\n", add.Id)
				continue
			}
			index := len(self.stacks)
			self.stacks = append(self.stacks, Stack{
				tag:           add.Tag,
				stackCount:    add.Count,
				replicationId: add.Id,
			})
			self.tagToIndex[add.Tag] = index
			addedIndices = append(addedIndices, index)
		}
		self.PostReplicatedAdd(addedIndices, finalSize)
	}

	if 0 < len(delta.Changed) {
		changedIndices := []int{}
		for _, change := range delta.Changed {
			if change.Count <= 0 {
				// the authority sends a remove, never a change to
				// zero. don't let a bad peer park a zero-count record.
				glog.Warningf("[stack]replicated change to count %d for id %d, skipping\n", change.Count, change.Id)
				continue
			}
			index, ok := self.indexOfReplicationId(change.Id)
			if !ok {
				glog.Warningf("[stack]replicated change for unknown id %d\n", change.Id)
				continue
			}
			self.stacks[index].stackCount = change.Count
			changedIndices = append(changedIndices, index)
		}
		self.PostReplicatedChange(changedIndices, finalSize)
	}

	self.arrayReplicationKey = delta.ArrayReplicationKey
}

// PreReplicatedRemove is called with pre-removal positions of records
// about to be dropped. Removes each tag from the count map and fires
// the removed notification. Out-of-range indices are skipped; partial
// state during teardown must not crash the receiver.
func (self *Container) PreReplicatedRemove(removedIndices []int, finalSize int) {
	for _, index := range removedIndices {
		if index < 0 || len(self.stacks) <= index {
			glog.Warningf("[stack]replicated remove index %d out of range (size %d)\n", index, len(self.stacks))
			continue
		}
		stack := &self.stacks[index]
		previousCount := stack.stackCount
		delete(self.tagToCount, stack.tag)
		self.notifyRemoved(stack.tag, previousCount, 0)
	}
}

// PostReplicatedAdd is called with positions of records that just
// appeared. Baselines previousCount to the arriving count, inserts
// into the count map and fires the added notification.
func (self *Container) PostReplicatedAdd(addedIndices []int, finalSize int) {
	for _, index := range addedIndices {
		if index < 0 || len(self.stacks) <= index {
			glog.Warningf("[stack]replicated add index %d out of range (size %d)\n", index, len(self.stacks))
			continue
		}
		stack := &self.stacks[index]
		stack.previousCount = stack.stackCount
		self.tagToCount[stack.tag] = stack.stackCount
		self.notifyAdded(stack.tag, stack.stackCount)
	}
}

// PostReplicatedChange is called with positions of records whose count
// was rewritten. Updates the count map, fires the changed notification
// with the previous baseline, then re-baselines previousCount.
func (self *Container) PostReplicatedChange(changedIndices []int, finalSize int) {
	for _, index := range changedIndices {
		if index < 0 || len(self.stacks) <= index {
			glog.Warningf("[stack]replicated change index %d out of range (size %d)\n", index, len(self.stacks))
			continue
		}
		stack := &self.stacks[index]
		self.tagToCount[stack.tag] = stack.stackCount
		self.notifyChanged(stack.tag, stack.previousCount, stack.stackCount)
		stack.previousCount = stack.stackCount
	}
}

func (self *Container) indexOfReplicationId(id uint32) (int, bool) {
	for i := range self.stacks {
		if self.stacks[i].replicationId == id {
			return i, true
		}
	}
	return 0, false
}
