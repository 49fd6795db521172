package tune

import "github.com/maxdollinger/tunefs/pkg/ext2fs"

// Copies selects which superblock copies a flush writes.
type Copies int

const (
	PrimaryOnly Copies = iota
	AllCopies
)

func (c Copies) String() string {
	if c == AllCopies {
		return "all-copies"
	}
	return "primary-only"
}

// Scope is the set of on-disk regions a session must write back. It only
// ever widens.
type Scope struct {
	Copies      Copies
	Descriptors bool
}

// EscalateCopies widens the scope to every backup superblock.
func (s *Scope) EscalateCopies() {
	s.Copies = AllCopies
}

// IncludeDescriptors adds the group descriptor table to the write-back.
func (s *Scope) IncludeDescriptors() {
	s.Descriptors = true
}

func (s Scope) flushOptions() ext2fs.FlushOptions {
	return ext2fs.FlushOptions{
		AllCopies:   s.Copies == AllCopies,
		Descriptors: s.Descriptors,
	}
}
