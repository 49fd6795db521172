package ext2fs

import (
	"encoding/binary"
	"fmt"
)

// extent is a run of physically contiguous blocks.
type extent struct {
	start uint64
	len   uint64
}

func (v *Volume) blocksInGroup(group uint32) uint64 {
	start := v.groupStart(group)
	n := uint64(v.sb.BlocksPerGroup)
	if end := v.sb.BlocksCount(); start+n > end {
		n = end - start
	}
	return n
}

func (v *Volume) blockBitmap(group uint32) ([]byte, error) {
	if bm, ok := v.bitmaps[group]; ok {
		return bm, nil
	}

	bm, err := v.readBlock(v.blockBitmapBlock(group))
	if err != nil {
		return nil, fmt.Errorf("reading block bitmap of group %d: %w", group, err)
	}

	v.bitmaps[group] = bm
	return bm, nil
}

// allocBlocks marks n free blocks as used and returns them as contiguous
// runs in allocation order. The search starts in the middle of the volume
// the way mke2fs places journals. Groups whose block bitmap is still
// uninitialised are skipped.
func (v *Volume) allocBlocks(n uint64) ([]extent, error) {
	if v.sb.LogClusterSize != v.sb.LogBlockSize {
		return nil, fmt.Errorf("%w: bigalloc", ErrUnsupportedLayout)
	}
	if err := v.loadDescriptors(); err != nil {
		return nil, err
	}
	if n > v.sb.FreeBlocks() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNoSpace, n, v.sb.FreeBlocks())
	}

	groups := v.sb.GroupCount()
	var runs []extent
	remaining := n

	for i := uint32(0); i < groups && remaining > 0; i++ {
		group := (groups/2 + i) % groups
		if v.decodeDesc(group).Flags&bgBlockUninit != 0 || v.freeBlocksInGroup(group) == 0 {
			continue
		}

		bm, err := v.blockBitmap(group)
		if err != nil {
			return nil, err
		}

		start := v.groupStart(group)
		taken := uint32(0)
		for bit := uint64(0); bit < v.blocksInGroup(group) && remaining > 0; bit++ {
			if bm[bit/8]&(1<<(bit%8)) != 0 {
				continue
			}
			bm[bit/8] |= 1 << (bit % 8)
			taken++
			remaining--

			block := start + bit
			if last := len(runs) - 1; last >= 0 && runs[last].start+runs[last].len == block {
				runs[last].len++
			} else {
				runs = append(runs, extent{start: block, len: 1})
			}
		}

		if taken > 0 {
			v.dirtyBitmaps[group] = true
			v.setFreeBlocksInGroup(group, v.freeBlocksInGroup(group)-taken)
		}
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: %d blocks short", ErrNoSpace, remaining)
	}

	v.sb.SetFreeBlocks(v.sb.FreeBlocks() - n)
	return runs, nil
}

// writeBitmaps writes every modified block bitmap back and records its
// checksum in the group descriptor.
func (v *Volume) writeBitmaps() error {
	for group := range v.dirtyBitmaps {
		bm := v.bitmaps[group]
		if err := v.writeBlock(v.blockBitmapBlock(group), bm); err != nil {
			return fmt.Errorf("writing block bitmap of group %d: %w", group, err)
		}

		if v.sb.HasMetadataChecksums() {
			sum := v.sb.bitmapChecksum(bm)
			desc := v.descriptor(group)
			binary.LittleEndian.PutUint16(desc[0x18:], uint16(sum))
			if v.descSize >= groupDescBlockCsumHiEnd {
				binary.LittleEndian.PutUint16(desc[groupDescBlockCsumHi:], uint16(sum>>16))
			}
		}

		delete(v.dirtyBitmaps, group)
	}

	return nil
}
