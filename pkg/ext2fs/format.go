package ext2fs

import (
	"fmt"
	"log/slog"
	"os"
)

// FormatOptions describes a volume for Format. Zero values select small
// defaults suitable for image files.
type FormatOptions struct {
	Blocks         uint64
	BlockSize      uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	InodeSize      uint16

	// GoodOldRevision writes a revision 0 superblock. Feature bits must be
	// zero in that case.
	GoodOldRevision bool

	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32

	UUID  [16]byte
	Label string

	// JournalDevice formats an external journal device instead of a
	// filesystem.
	JournalDevice bool
}

func (o *FormatOptions) applyDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = 1024
	}
	if o.BlocksPerGroup == 0 {
		o.BlocksPerGroup = o.BlockSize * 8
	}
	if o.InodesPerGroup == 0 {
		o.InodesPerGroup = 256
	}
	if o.InodeSize == 0 || o.GoodOldRevision {
		o.InodeSize = goodOldInodeSize
	}
}

// Format writes a fresh, empty volume into the image file at path,
// creating or truncating it. It lays out superblock copies, group
// descriptors, bitmaps and inode tables and nothing else: there is no root
// directory.
func Format(path string, opts FormatOptions) error {
	opts.applyDefaults()

	if opts.Blocks == 0 {
		return fmt.Errorf("%w: zero blocks", ErrCorrupt)
	}
	if opts.GoodOldRevision && (opts.FeatureCompat|opts.FeatureIncompat|opts.FeatureROCompat) != 0 {
		return fmt.Errorf("%w: feature bits on a revision 0 volume", ErrCorrupt)
	}
	if opts.BlocksPerGroup > opts.BlockSize*8 {
		return fmt.Errorf("%w: %d blocks per group", ErrCorrupt, opts.BlocksPerGroup)
	}

	if err := createSparseFile(path, int64(opts.Blocks)*int64(opts.BlockSize)); err != nil {
		return fmt.Errorf("creating image %s: %w", path, err)
	}

	backend, err := openFileBackend(path, false)
	if err != nil {
		return err
	}
	defer backend.close()

	sb := newSuperblock(opts)
	if opts.JournalDevice {
		return formatJournalDevice(backend, sb)
	}

	v := &Volume{
		backend:      backend,
		path:         path,
		sb:           sb,
		opened:       sb,
		descSize:     groupDescMinSize,
		bitmaps:      make(map[uint32][]byte),
		dirtyBitmaps: make(map[uint32]bool),
		logger:       slog.Default(),
	}
	if sb.Is64Bit() {
		v.descSize = uint32(sb.DescSize)
	}

	if err := v.layoutGroups(); err != nil {
		return err
	}

	return v.Flush(FlushOptions{AllCopies: true, Descriptors: true})
}

func newSuperblock(opts FormatOptions) *Superblock {
	sb := &Superblock{
		BlocksCountLo:    uint32(opts.Blocks),
		LogBlockSize:     log2(opts.BlockSize) - 10,
		LogClusterSize:   log2(opts.BlockSize) - 10,
		BlocksPerGroup:   opts.BlocksPerGroup,
		ClustersPerGroup: opts.BlocksPerGroup,
		InodesPerGroup:   opts.InodesPerGroup,
		MaxMntCount:      -1,
		Magic:            Magic,
		State:            StateValid,
		Errors:           ErrorsContinue,
		FeatureCompat:    opts.FeatureCompat,
		FeatureIncompat:  opts.FeatureIncompat,
		FeatureROCompat:  opts.FeatureROCompat,
		UUID:             opts.UUID,
	}
	copy(sb.VolumeName[:], opts.Label)

	if opts.BlockSize == 1024 {
		sb.FirstDataBlock = 1
	}
	if !opts.GoodOldRevision {
		sb.RevLevel = DynamicRev
		sb.FirstIno = goodOldFirstInode
		sb.InodeSize = opts.InodeSize
	}
	if sb.Is64Bit() {
		sb.BlocksCountHi = uint32(opts.Blocks >> 32)
		sb.DescSize = 64
	}
	if opts.JournalDevice {
		sb.FeatureIncompat |= IncompatJournalDev
	}

	sb.InodesCount = sb.InodesPerGroup * sb.GroupCount()
	return sb
}

// layoutGroups places each group's metadata at the start of the group and
// records it in the bitmaps and descriptors.
func (v *Volume) layoutGroups() error {
	sb := v.sb
	bs := sb.BlockSize()
	groups := sb.GroupCount()
	v.gdt = make([]byte, groups*v.descSize)

	gdtBlocks := ceilDiv(uint64(len(v.gdt)), uint64(bs))
	tableBlocks := ceilDiv(uint64(sb.InodesPerGroup)*uint64(sb.InodeRecordSize()), uint64(bs))

	var freeBlocks uint64
	for g := uint32(0); g < groups; g++ {
		start := v.groupStart(g)
		size := v.blocksInGroup(g)

		next := start
		if sb.HasBackup(g) {
			next += 1 + gdtBlocks
		}
		bbitmap, ibitmap, table := next, next+1, next+2
		used := table + tableBlocks - start
		if used >= size {
			return fmt.Errorf("%w: group %d holds %d blocks, metadata needs %d", ErrNoSpace, g, size, used)
		}

		bm := make([]byte, bs)
		for bit := uint64(0); bit < uint64(bs)*8; bit++ {
			if bit < used || bit >= size {
				bm[bit/8] |= 1 << (bit % 8)
			}
		}

		im := make([]byte, bs)
		freeInodes := sb.InodesPerGroup
		for bit := uint32(0); bit < bs*8; bit++ {
			reserved := g == 0 && bit < goodOldFirstInode-1
			if reserved || bit >= sb.InodesPerGroup {
				im[bit/8] |= 1 << (bit % 8)
				if bit < sb.InodesPerGroup {
					freeInodes--
				}
			}
		}
		if err := v.writeBlock(ibitmap, im); err != nil {
			return fmt.Errorf("writing inode bitmap of group %d: %w", g, err)
		}

		v.encodeDesc(g, groupDesc{
			BlockBitmapLo:     uint32(bbitmap),
			InodeBitmapLo:     uint32(ibitmap),
			InodeTableLo:      uint32(table),
			FreeInodesCountLo: uint16(freeInodes),
		})
		v.setFreeBlocksInGroup(g, uint32(size-used))
		freeBlocks += size - used

		v.bitmaps[g] = bm
		v.dirtyBitmaps[g] = true
	}

	sb.SetFreeBlocks(freeBlocks)
	sb.FreeInodesCount = sb.InodesCount - (goodOldFirstInode - 1)

	return v.writeBitmaps()
}

func formatJournalDevice(backend diskBackend, sb *Superblock) error {
	bs := sb.BlockSize()
	start := journalSuperblockOffset(bs) / int64(bs)

	jsb := &journalSuperblock{
		Magic:     journalMagic,
		BlockType: journalSuperblockV2,
		BlockSize: bs,
		MaxLen:    uint32(sb.BlocksCount()),
		First:     uint32(start) + 1,
		Sequence:  1,
		UUID:      sb.UUID,
	}
	if err := backend.writeAt(jsb.marshal(), start*int64(bs)); err != nil {
		return fmt.Errorf("writing journal superblock: %w", err)
	}

	raw, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	if err := backend.writeAt(raw, SuperblockOffset); err != nil {
		return fmt.Errorf("writing journal device superblock: %w", err)
	}

	return backend.sync()
}

func createSparseFile(path string, sizeBytes int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("error sizing file: %w", err)
	}

	return nil
}

func log2(n uint32) uint32 {
	var l uint32
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
