package tagstack

import (
	"fmt"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/kaosnet/tagsync/tags"
)

// Hierarchy resolves a tag to every tag below it. The production
// implementation is *tags.Registry; the container never parses
// hierarchy itself.
type Hierarchy interface {
	Descendants(tag tags.Tag) []tags.Tag
}

// Stack is one stack of a tag (tag + count).
// previousCount is the count before the last applied change and is
// only used to compute notification deltas.
type Stack struct {
	tag           tags.Tag
	stackCount    int
	previousCount int

	// stable identity of this record in the replication stream
	replicationId uint32
	// bumped on every in-place change, compared against observer baselines
	replicationKey uint32
}

func (self *Stack) Tag() tags.Tag {
	return self.tag
}

func (self *Stack) Count() int {
	return self.stackCount
}

func (self *Stack) DebugString() string {
	return fmt.Sprintf("%sx%d", self.tag, self.stackCount)
}

// Container tracks stacks of tags and produces minimal deltas for
// replication to observers.
//
// The stacks slice is the replicated sequence. tagToCount and
// tagToIndex are local accelerated maps and every mutating path keeps
// all three in sync as one transaction. Removal swaps with the last
// record and pops, so positions are reused and tagToIndex is fixed up
// for whichever record moved.
//
// A container is single-writer: the authority mutates it with
// AddStack/RemoveStack, replicas only replay deltas. There is no
// internal locking; hosts that share a container across goroutines
// serialize access themselves (see replicate.Publisher).
type Container struct {
	hierarchy Hierarchy

	stacks     []Stack
	tagToCount map[tags.Tag]int
	tagToIndex map[tags.Tag]int

	// non-owning. nil before SetOwner and after SetOwner(nil);
	// all notifications are silently dropped while absent.
	owner Owner

	idCounter  uint32
	keyCounter uint32
	// bumped whenever anything changed, compared first by WriteDelta
	arrayReplicationKey uint32
}

// NewContainer creates an empty container. hierarchy may be nil, in
// which case the process-global tag registry resolves descendants.
// The owner is attached separately with SetOwner so that a partially
// constructed host never receives callbacks.
func NewContainer(hierarchy Hierarchy) *Container {
	if hierarchy == nil {
		hierarchy = tags.DefaultRegistry()
	}
	return &Container{
		hierarchy:  hierarchy,
		stacks:     []Stack{},
		tagToCount: map[tags.Tag]int{},
		tagToIndex: map[tags.Tag]int{},
	}
}

func (self *Container) SetOwner(owner Owner) {
	self.owner = owner
}

// AddStack adds `amount` stacks to `tag`, creating the record on first
// add. amount <= 0 is a no-op. An invalid tag logs and leaves the
// container untouched.
func (self *Container) AddStack(tag tags.Tag, amount int) {
	if !tag.IsValid() {
		glog.Warningf("[stack]add with an invalid tag\n")
		return
	}
	if amount <= 0 {
		return
	}

	if index, ok := self.tagToIndex[tag]; ok {
		stack := &self.stacks[index]
		stack.previousCount = stack.stackCount
		stack.stackCount += amount
		self.tagToCount[tag] = stack.stackCount
		self.markItemDirty(stack)
		self.notifyChanged(tag, stack.previousCount, stack.stackCount)
	} else {
		index := len(self.stacks)
		self.stacks = append(self.stacks, Stack{
			tag:           tag,
			stackCount:    amount,
			replicationId: self.nextReplicationId(),
		})
		self.tagToCount[tag] = amount
		self.tagToIndex[tag] = index
		self.markItemDirty(&self.stacks[index])
		self.notifyAdded(tag, amount)
	}

	self.flushReplication()
}

// RemoveStack removes `amount` stacks from `tag`. The count floors at
// zero: removing more than is stored removes the record entirely, it
// never goes negative. amount <= 0 and absent tags are no-ops.
func (self *Container) RemoveStack(tag tags.Tag, amount int) {
	if !tag.IsValid() {
		glog.Warningf("[stack]remove with an invalid tag\n")
		return
	}
	if amount <= 0 {
		return
	}

	index, ok := self.tagToIndex[tag]
	if !ok {
		return
	}
	if len(self.stacks) <= index {
		glog.Warningf("[stack]stale index %d for tag %s during remove\n", index, tag)
		delete(self.tagToIndex, tag)
		return
	}

	stack := &self.stacks[index]
	if stack.stackCount <= amount {
		self.removeAt(tag, index)
	} else {
		stack.previousCount = stack.stackCount
		stack.stackCount -= amount
		self.tagToCount[tag] = stack.stackCount
		self.markItemDirty(stack)
		self.notifyChanged(tag, stack.previousCount, stack.stackCount)
	}

	self.flushReplication()
}

// RemoveStackByTag removes the complete stack for `tag` regardless of
// count.
func (self *Container) RemoveStackByTag(tag tags.Tag) {
	if !tag.IsValid() {
		glog.Warningf("[stack]remove by tag with an invalid tag\n")
		return
	}

	index, ok := self.tagToIndex[tag]
	if !ok {
		return
	}
	if len(self.stacks) <= index {
		glog.Warningf("[stack]stale index %d for tag %s during remove by tag\n", index, tag)
		delete(self.tagToIndex, tag)
		return
	}

	self.removeAt(tag, index)
	self.flushReplication()
}

// swap with the last record and pop, fixing up tagToIndex for the
// record that moved into the vacated slot
func (self *Container) removeAt(tag tags.Tag, index int) {
	previousCount := self.stacks[index].stackCount

	last := len(self.stacks) - 1
	if index != last {
		self.stacks[index] = self.stacks[last]
		self.tagToIndex[self.stacks[index].tag] = index
	}
	self.stacks = self.stacks[:last]
	delete(self.tagToCount, tag)
	delete(self.tagToIndex, tag)

	self.markArrayDirty()
	self.notifyRemoved(tag, previousCount, 0)
}

// Reset removes every record in one transaction, firing a removed
// notification per tag in record order. A replica that lost its
// connection calls this before replaying the fresh snapshot, so stale
// records cannot survive or duplicate (see replicate.Subscriber).
func (self *Container) Reset() {
	if len(self.stacks) == 0 {
		return
	}

	stacks := self.stacks
	self.stacks = []Stack{}
	self.tagToCount = map[tags.Tag]int{}
	self.tagToIndex = map[tags.Tag]int{}
	self.markArrayDirty()

	for i := range stacks {
		self.notifyRemoved(stacks[i].tag, stacks[i].stackCount, 0)
	}
	self.flushReplication()
}

// GetStackCount returns the stack count for `tag`, 0 if absent.
func (self *Container) GetStackCount(tag tags.Tag) int {
	return self.tagToCount[tag]
}

// ContainsTag returns whether `tag` has at least one stack.
func (self *Container) ContainsTag(tag tags.Tag) bool {
	_, ok := self.tagToCount[tag]
	return ok
}

// ContainsTagOrDescendants returns whether `tag` or any tag below it
// has at least one stack.
func (self *Container) ContainsTagOrDescendants(tag tags.Tag) bool {
	if self.ContainsTag(tag) {
		return true
	}
	for _, descendant := range self.hierarchy.Descendants(tag) {
		if self.ContainsTag(descendant) {
			return true
		}
	}
	return false
}

// GetStackCountIncludingDescendants returns the count for `tag`
// (unless excludeSelf) and every descendant of `tag`. Absent tags map
// to 0, so the result always has one entry per hierarchy member.
func (self *Container) GetStackCountIncludingDescendants(tag tags.Tag, excludeSelf bool) map[tags.Tag]int {
	counts := map[tags.Tag]int{}
	if !excludeSelf {
		counts[tag] = self.tagToCount[tag]
	}
	for _, descendant := range self.hierarchy.Descendants(tag) {
		counts[descendant] = self.tagToCount[descendant]
	}
	return counts
}

// AllStacks returns a copy of tag -> count for every present tag.
func (self *Container) AllStacks() map[tags.Tag]int {
	return maps.Clone(self.tagToCount)
}

// Len returns the number of distinct tags with stacks.
func (self *Container) Len() int {
	return len(self.stacks)
}

func (self *Container) nextReplicationId() uint32 {
	self.idCounter += 1
	return self.idCounter
}

func (self *Container) markItemDirty(stack *Stack) {
	self.keyCounter += 1
	stack.replicationKey = self.keyCounter
	self.arrayReplicationKey = self.keyCounter
}

func (self *Container) markArrayDirty() {
	self.keyCounter += 1
	self.arrayReplicationKey = self.keyCounter
}

func (self *Container) notifyAdded(tag tags.Tag, count int) {
	if self.owner != nil {
		self.owner.OnTagStackAdded(tag, count)
	}
}

func (self *Container) notifyRemoved(tag tags.Tag, previousCount int, newCount int) {
	if self.owner != nil {
		self.owner.OnTagStackRemoved(tag, previousCount, newCount)
	}
}

func (self *Container) notifyChanged(tag tags.Tag, previousCount int, newCount int) {
	if self.owner != nil {
		self.owner.OnTagStackChanged(tag, previousCount, newCount)
	}
}

func (self *Container) flushReplication() {
	if self.owner != nil {
		self.owner.ForceReplicationFlush()
	}
}
