package tagstack

import (
	"github.com/kaosnet/tagsync/tags"
)

// Owner receives synchronous notifications for every stack transition,
// on the authority and on replicas alike. The container holds a
// non-owning reference to it; see Container.SetOwner.
type Owner interface {
	// a tag gained its first stack
	OnTagStackAdded(tag tags.Tag, count int)
	// a tag lost its last stack. newCount is always 0.
	OnTagStackRemoved(tag tags.Tag, previousCount int, newCount int)
	// an existing tag changed count
	OnTagStackChanged(tag tags.Tag, previousCount int, newCount int)
	// break transport dormancy so pending deltas go out now
	ForceReplicationFlush()
}

// OwnerFuncs adapts plain functions to Owner. Nil fields are no-ops.
type OwnerFuncs struct {
	Added   func(tag tags.Tag, count int)
	Removed func(tag tags.Tag, previousCount int, newCount int)
	Changed func(tag tags.Tag, previousCount int, newCount int)
	Flush   func()
}

func (self *OwnerFuncs) OnTagStackAdded(tag tags.Tag, count int) {
	if self.Added != nil {
		self.Added(tag, count)
	}
}

func (self *OwnerFuncs) OnTagStackRemoved(tag tags.Tag, previousCount int, newCount int) {
	if self.Removed != nil {
		self.Removed(tag, previousCount, newCount)
	}
}

func (self *OwnerFuncs) OnTagStackChanged(tag tags.Tag, previousCount int, newCount int) {
	if self.Changed != nil {
		self.Changed(tag, previousCount, newCount)
	}
}

func (self *OwnerFuncs) ForceReplicationFlush() {
	if self.Flush != nil {
		self.Flush()
	}
}
