package tags

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is the interning table for tags and the owner of the
// hierarchy. Registering `A.B.C` implicitly registers `A` and `A.B`.
// Safe for concurrent use. All peers that exchange tags are expected
// to agree on (or learn) the same registry contents.
type Registry struct {
	stateLock sync.Mutex
	// name -> interned tag
	tags map[string]Tag
	// name -> direct children, in registration order
	children map[string][]Tag
	// roots in registration order
	roots []Tag
}

func NewRegistry() *Registry {
	return &Registry{
		tags:     map[string]Tag{},
		children: map[string][]Tag{},
	}
}

// Register interns `name` and all of its ancestors, returning the tag
// for `name`. Registering an already known name returns the existing
// tag.
func (self *Registry) Register(name string) (Tag, error) {
	if err := validateName(name); err != nil {
		return Tag{}, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if tag, ok := self.tags[name]; ok {
		return tag, nil
	}

	parts := strings.Split(name, Separator)
	prefix := ""
	for i, part := range parts {
		if i == 0 {
			prefix = part
		} else {
			prefix = prefix + Separator + part
		}
		if _, ok := self.tags[prefix]; ok {
			continue
		}
		tag := Tag{name: prefix}
		self.tags[prefix] = tag
		if i == 0 {
			self.roots = append(self.roots, tag)
		} else {
			parentName := tag.Parent().name
			self.children[parentName] = append(self.children[parentName], tag)
		}
	}
	return self.tags[name], nil
}

// MustRegister panics on an invalid name.
func (self *Registry) MustRegister(name string) Tag {
	tag, err := self.Register(name)
	if err != nil {
		panic(err)
	}
	return tag
}

// Parse returns the interned tag for `name`. Unknown names are an
// error; use Register to define tags.
func (self *Registry) Parse(name string) (Tag, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tag, ok := self.tags[name]
	if !ok {
		return Tag{}, fmt.Errorf("unknown tag: %s", name)
	}
	return tag, nil
}

func (self *Registry) MustParse(name string) Tag {
	tag, err := self.Parse(name)
	if err != nil {
		panic(err)
	}
	return tag
}

// Descendants returns every tag below `tag` in the hierarchy, not
// including `tag` itself, in breadth-first registration order.
func (self *Registry) Descendants(tag Tag) []Tag {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	descendants := []Tag{}
	frontier := self.children[tag.name]
	for 0 < len(frontier) {
		next := []Tag{}
		for _, child := range frontier {
			descendants = append(descendants, child)
			next = append(next, self.children[child.name]...)
		}
		frontier = next
	}
	return descendants
}

// Len returns the number of registered tags.
func (self *Registry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.tags)
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the process-global registry. Most hosts register
// their tag table once at startup and use this everywhere.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func Register(name string) (Tag, error) {
	return defaultRegistry.Register(name)
}

func MustRegister(name string) Tag {
	return defaultRegistry.MustRegister(name)
}

func Parse(name string) (Tag, error) {
	return defaultRegistry.Parse(name)
}

func MustParse(name string) Tag {
	return defaultRegistry.MustParse(name)
}
