package ext2fs

import (
	"fmt"
	"strconv"
	"strings"
)

// Category selects one of the three superblock feature bitsets.
type Category int

const (
	Compat Category = iota
	Incompat
	ROCompat
)

func (c Category) String() string {
	switch c {
	case Compat:
		return "compat"
	case Incompat:
		return "incompat"
	case ROCompat:
		return "ro_compat"
	default:
		return "unknown"
	}
}

// Compatible features
const (
	CompatDirPrealloc   uint32 = 0x0001
	CompatImagicInodes  uint32 = 0x0002
	CompatHasJournal    uint32 = 0x0004
	CompatExtAttr       uint32 = 0x0008
	CompatResizeInode   uint32 = 0x0010
	CompatDirIndex      uint32 = 0x0020
	CompatLazyBG        uint32 = 0x0040
	CompatExcludeBitmap uint32 = 0x0100
	CompatSparseSuper2  uint32 = 0x0200
)

// Incompatible features
const (
	IncompatCompression uint32 = 0x0001
	IncompatFiletype    uint32 = 0x0002
	IncompatRecover     uint32 = 0x0004
	IncompatJournalDev  uint32 = 0x0008
	IncompatMetaBG      uint32 = 0x0010
	IncompatExtents     uint32 = 0x0040
	Incompat64Bit       uint32 = 0x0080
	IncompatMMP         uint32 = 0x0100
	IncompatFlexBG      uint32 = 0x0200
	IncompatEAInode     uint32 = 0x0400
	IncompatDirData     uint32 = 0x1000
	IncompatCsumSeed    uint32 = 0x2000
	IncompatLargeDir    uint32 = 0x4000
	IncompatInlineData  uint32 = 0x8000
	IncompatEncrypt     uint32 = 0x10000
)

// Read-only compatible features
const (
	ROCompatSparseSuper  uint32 = 0x0001
	ROCompatLargeFile    uint32 = 0x0002
	ROCompatBtreeDir     uint32 = 0x0004
	ROCompatHugeFile     uint32 = 0x0008
	ROCompatGDTCsum      uint32 = 0x0010
	ROCompatDirNlink     uint32 = 0x0020
	ROCompatExtraIsize   uint32 = 0x0040
	ROCompatQuota        uint32 = 0x0100
	ROCompatBigalloc     uint32 = 0x0200
	ROCompatMetadataCsum uint32 = 0x0400
	ROCompatReplica      uint32 = 0x0800
	ROCompatReadOnly     uint32 = 0x1000
	ROCompatProject      uint32 = 0x2000
)

type featureName struct {
	category Category
	mask     uint32
	name     string
}

// featureNames follows the naming used by e2fsprogs so feature strings are
// interchangeable with mke2fs/tune2fs.
var featureNames = []featureName{
	{Compat, CompatDirPrealloc, "dir_prealloc"},
	{Compat, CompatImagicInodes, "imagic_inodes"},
	{Compat, CompatHasJournal, "has_journal"},
	{Compat, CompatExtAttr, "ext_attr"},
	{Compat, CompatResizeInode, "resize_inode"},
	{Compat, CompatDirIndex, "dir_index"},
	{Compat, CompatLazyBG, "lazy_bg"},
	{Compat, CompatExcludeBitmap, "snapshot_bitmap"},
	{Compat, CompatSparseSuper2, "sparse_super2"},

	{Incompat, IncompatCompression, "compression"},
	{Incompat, IncompatFiletype, "filetype"},
	{Incompat, IncompatRecover, "needs_recovery"},
	{Incompat, IncompatJournalDev, "journal_dev"},
	{Incompat, IncompatMetaBG, "meta_bg"},
	{Incompat, IncompatExtents, "extent"},
	{Incompat, IncompatExtents, "extents"},
	{Incompat, Incompat64Bit, "64bit"},
	{Incompat, IncompatMMP, "mmp"},
	{Incompat, IncompatFlexBG, "flex_bg"},
	{Incompat, IncompatEAInode, "ea_inode"},
	{Incompat, IncompatDirData, "dirdata"},
	{Incompat, IncompatCsumSeed, "metadata_csum_seed"},
	{Incompat, IncompatLargeDir, "large_dir"},
	{Incompat, IncompatInlineData, "inline_data"},
	{Incompat, IncompatEncrypt, "encrypt"},

	{ROCompat, ROCompatSparseSuper, "sparse_super"},
	{ROCompat, ROCompatLargeFile, "large_file"},
	{ROCompat, ROCompatBtreeDir, "btree_dir"},
	{ROCompat, ROCompatHugeFile, "huge_file"},
	{ROCompat, ROCompatGDTCsum, "uninit_bg"},
	{ROCompat, ROCompatGDTCsum, "uninit_groups"},
	{ROCompat, ROCompatDirNlink, "dir_nlink"},
	{ROCompat, ROCompatExtraIsize, "extra_isize"},
	{ROCompat, ROCompatQuota, "quota"},
	{ROCompat, ROCompatBigalloc, "bigalloc"},
	{ROCompat, ROCompatMetadataCsum, "metadata_csum"},
	{ROCompat, ROCompatReplica, "replica"},
	{ROCompat, ROCompatReadOnly, "read-only"},
	{ROCompat, ROCompatProject, "project"},
}

var categoryPrefixes = map[byte]Category{'c': Compat, 'i': Incompat, 'r': ROCompat}

// LookupFeature resolves a feature name to its category and bit. Besides the
// symbolic names it accepts the FEATURE_C<n>, FEATURE_I<n> and FEATURE_R<n>
// forms that e2fsprogs prints for bits it has no name for.
func LookupFeature(name string) (Category, uint32, error) {
	lower := strings.ToLower(name)
	for _, f := range featureNames {
		if f.name == lower {
			return f.category, f.mask, nil
		}
	}

	if rest, ok := strings.CutPrefix(lower, "feature_"); ok && len(rest) >= 2 {
		cat, ok := categoryPrefixes[rest[0]]
		if ok {
			bit, err := strconv.ParseUint(rest[1:], 10, 8)
			if err == nil && bit < 32 {
				return cat, 1 << bit, nil
			}
		}
	}

	return 0, 0, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
}

// FeatureName returns the display name of a single feature bit.
func FeatureName(cat Category, mask uint32) string {
	for _, f := range featureNames {
		if f.category == cat && f.mask == mask {
			return f.name
		}
	}

	bit := 0
	for mask > 1 {
		mask >>= 1
		bit++
	}
	return fmt.Sprintf("FEATURE_%c%d", strings.ToUpper(cat.String())[0], bit)
}

// FeatureList renders every set bit of the three bitsets, compat first.
func FeatureList(compat, incompat, roCompat uint32) []string {
	var names []string
	for i, set := range []uint32{compat, incompat, roCompat} {
		for bit := uint32(0); bit < 32; bit++ {
			mask := uint32(1) << bit
			if set&mask != 0 {
				names = append(names, FeatureName(Category(i), mask))
			}
		}
	}
	return names
}
