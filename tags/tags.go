package tags

import (
	"fmt"
	"strings"
)

const Separator = "."

// Tag is an interned hierarchical label, e.g. `Status.Burning`.
// Tags are comparable and cheap to copy. The zero value is invalid.
// Parent/child relationships are resolved by the Registry that
// interned the tag, not by the tag itself.
type Tag struct {
	name string
}

func (self Tag) IsValid() bool {
	return self.name != ""
}

func (self Tag) String() string {
	return self.name
}

// Parent returns the direct parent tag, or the invalid tag for a root.
// `A.B.C` -> `A.B`
func (self Tag) Parent() Tag {
	i := strings.LastIndex(self.name, Separator)
	if i < 0 {
		return Tag{}
	}
	return Tag{name: self.name[:i]}
}

// MatchesTag returns whether self equals `parent` or sits anywhere
// below it in the hierarchy.
func (self Tag) MatchesTag(parent Tag) bool {
	if !self.IsValid() || !parent.IsValid() {
		return false
	}
	if self.name == parent.name {
		return true
	}
	return strings.HasPrefix(self.name, parent.name+Separator)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty tag name")
	}
	for _, part := range strings.Split(name, Separator) {
		if part == "" {
			return fmt.Errorf("tag name has an empty segment: %s", name)
		}
	}
	return nil
}
