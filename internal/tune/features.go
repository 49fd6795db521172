package tune

import (
	"fmt"
	"strings"

	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/mount"
)

// FeatureSet holds the three superblock feature bitsets.
type FeatureSet struct {
	Compat   uint32
	Incompat uint32
	ROCompat uint32
}

// Supported are the feature bits that may be edited.
var Supported = FeatureSet{
	Compat:   ext2fs.CompatHasJournal,
	Incompat: ext2fs.IncompatFiletype,
	ROCompat: ext2fs.ROCompatSparseSuper,
}

func featuresOf(sb *ext2fs.Superblock) FeatureSet {
	return FeatureSet{
		Compat:   sb.FeatureCompat,
		Incompat: sb.FeatureIncompat,
		ROCompat: sb.FeatureROCompat,
	}
}

func (f *FeatureSet) bits(cat ext2fs.Category) *uint32 {
	switch cat {
	case ext2fs.Compat:
		return &f.Compat
	case ext2fs.Incompat:
		return &f.Incompat
	default:
		return &f.ROCompat
	}
}

// Has reports whether mask is set in category cat.
func (f FeatureSet) Has(cat ext2fs.Category, mask uint32) bool {
	return *f.bits(cat)&mask != 0
}

// Any reports whether any bit is set in any category.
func (f FeatureSet) Any() bool {
	return f.Compat|f.Incompat|f.ROCompat != 0
}

func (f FeatureSet) String() string {
	names := ext2fs.FeatureList(f.Compat, f.Incompat, f.ROCompat)
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, " ")
}

// Transition tags the outcome of a feature batch for one category.
type Transition int

const (
	Unchanged Transition = iota
	Applied
	Deferred
	Rejected
)

func (t Transition) String() string {
	switch t {
	case Unchanged:
		return "unchanged"
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FeatureDelta is one parsed token of a feature edit string.
type FeatureDelta struct {
	Category ext2fs.Category
	Mask     uint32
	Clear    bool
}

// ParseFeatures splits a feature edit string into deltas. Tokens are
// separated by commas or whitespace; "^" or "-" clears a feature, "+" or no
// prefix sets it. The tokens "none" and "clear" clear every supported
// feature. Any token outside the supported set fails the whole string.
func ParseFeatures(s string) ([]FeatureDelta, error) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	var deltas []FeatureDelta
	for _, token := range tokens {
		switch strings.ToLower(token) {
		case "none", "clear":
			deltas = append(deltas,
				FeatureDelta{ext2fs.Compat, Supported.Compat, true},
				FeatureDelta{ext2fs.Incompat, Supported.Incompat, true},
				FeatureDelta{ext2fs.ROCompat, Supported.ROCompat, true},
			)
			continue
		}

		unset := false
		name := token
		switch token[0] {
		case '^', '-':
			unset = true
			name = token[1:]
		case '+':
			name = token[1:]
		}

		cat, mask, err := ext2fs.LookupFeature(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, s)
		}
		if !Supported.Has(cat, mask) {
			return nil, fmt.Errorf("%w: %s: %s cannot be changed", ErrUnknownFeature, s, ext2fs.FeatureName(cat, mask))
		}

		deltas = append(deltas, FeatureDelta{Category: cat, Mask: mask, Clear: unset})
	}

	return deltas, nil
}

// FeatureResult is the outcome of planning a feature batch. New is what the
// superblock's bitsets become when the result is committed.
type FeatureResult struct {
	Old FeatureSet
	New FeatureSet

	Compat   Transition
	Incompat Transition
	ROCompat Transition

	SparseChanged   bool
	FiletypeChanged bool
	JournalChanged  bool

	// JournalCleared means has_journal goes from set to clear.
	JournalCleared bool
	// JournalDeferred means has_journal was requested but is left for the
	// journal provisioner to set once a journal exists.
	JournalDeferred bool
	Journal         *JournalOptions

	// NeedsCheck means the volume must be marked not clean.
	NeedsCheck bool
	// UpgradeRevision means the superblock is good-old revision and the new
	// feature bits require dynamic revision.
	UpgradeRevision bool
}

// SparseCleared reports whether sparse_super goes from set to clear.
func (r *FeatureResult) SparseCleared() bool {
	return r.SparseChanged && !r.New.Has(ext2fs.ROCompat, ext2fs.ROCompatSparseSuper)
}

// PlanFeatures computes the effect of deltas on sb without touching it.
// jopts is carried into the result when has_journal is deferred; nil means
// the default size.
func PlanFeatures(sb *ext2fs.Superblock, state mount.State, deltas []FeatureDelta, jopts *JournalOptions) (*FeatureResult, error) {
	old := featuresOf(sb)
	next := old
	for _, d := range deltas {
		bits := next.bits(d.Category)
		if d.Clear {
			*bits &^= d.Mask
		} else {
			*bits |= d.Mask
		}
	}

	res := &FeatureResult{Old: old, New: next}

	oldJournal := old.Has(ext2fs.Compat, ext2fs.CompatHasJournal)
	newJournal := next.Has(ext2fs.Compat, ext2fs.CompatHasJournal)

	if oldJournal && !newJournal {
		if state == mount.MountedReadWrite {
			res.Compat = Rejected
			return res, ErrJournalClearForbidden
		}
		if sb.FeatureIncompat&ext2fs.IncompatRecover != 0 {
			res.Compat = Rejected
			return res, ErrRecoveryPending
		}
		res.JournalCleared = true
	}

	if newJournal && !oldJournal {
		res.New.Compat &^= ext2fs.CompatHasJournal
		res.JournalDeferred = true
		res.Journal = jopts
		if res.Journal == nil {
			res.Journal = &JournalOptions{SizeMiB: DefaultJournalSizeMiB}
		}
	}

	res.SparseChanged = (old.ROCompat^res.New.ROCompat)&ext2fs.ROCompatSparseSuper != 0
	res.FiletypeChanged = (old.Incompat^res.New.Incompat)&ext2fs.IncompatFiletype != 0
	res.JournalChanged = (old.Compat^res.New.Compat)&ext2fs.CompatHasJournal != 0
	res.NeedsCheck = res.SparseChanged || res.FiletypeChanged || res.JournalChanged
	res.UpgradeRevision = sb.RevLevel == ext2fs.GoodOldRev && res.New.Any()

	res.Compat = transition(old.Compat, res.New.Compat)
	if res.JournalDeferred {
		res.Compat = Deferred
	}
	res.Incompat = transition(old.Incompat, res.New.Incompat)
	res.ROCompat = transition(old.ROCompat, res.New.ROCompat)

	return res, nil
}

func transition(old, next uint32) Transition {
	if old == next {
		return Unchanged
	}
	return Applied
}

// commitFeatures writes a planned result into the volume's superblock. The
// journal inode loses its immutable flag before has_journal is cleared.
func commitFeatures(vol Volume, res *FeatureResult, scope *Scope) error {
	sb := vol.Superblock()

	if res.JournalCleared && sb.JournalInum != 0 {
		inode, err := vol.ReadInode(sb.JournalInum)
		if err != nil {
			return fmt.Errorf("%w: reading journal inode %d: %v", ErrJournalInodeUpdate, sb.JournalInum, err)
		}
		inode.Flags &^= ext2fs.InodeFlagImmutable
		if err := vol.WriteInode(sb.JournalInum, inode); err != nil {
			return fmt.Errorf("%w: writing journal inode %d: %v", ErrJournalInodeUpdate, sb.JournalInum, err)
		}
	}

	sb.FeatureCompat = res.New.Compat
	sb.FeatureIncompat = res.New.Incompat
	sb.FeatureROCompat = res.New.ROCompat

	if res.UpgradeRevision {
		vol.UpdateDynamicRev()
	}
	if res.NeedsCheck {
		sb.State &^= ext2fs.StateValid
	}
	if res.SparseCleared() {
		scope.EscalateCopies()
	}

	return nil
}
