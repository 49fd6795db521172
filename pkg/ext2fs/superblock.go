package ext2fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MarshalBinary encodes the superblock into its 1024-byte on-disk form.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SuperblockSize))
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("encoding superblock: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a superblock and checks its magic number.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < SuperblockSize {
		return fmt.Errorf("%w: short superblock (%d bytes)", ErrCorrupt, len(data))
	}

	if err := binary.Read(bytes.NewReader(data[:SuperblockSize]), binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("decoding superblock: %w", err)
	}

	if sb.Magic != Magic {
		return fmt.Errorf("%w: 0x%04x", ErrBadMagic, sb.Magic)
	}

	return nil
}

// Clone returns an independent copy.
func (sb *Superblock) Clone() *Superblock {
	c := *sb
	return &c
}

func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

func (sb *Superblock) Is64Bit() bool {
	return sb.FeatureIncompat&Incompat64Bit != 0
}

func (sb *Superblock) BlocksCount() uint64 {
	if sb.Is64Bit() {
		return uint64(sb.BlocksCountHi)<<32 | uint64(sb.BlocksCountLo)
	}
	return uint64(sb.BlocksCountLo)
}

func (sb *Superblock) ReservedBlocks() uint64 {
	if sb.Is64Bit() {
		return uint64(sb.RBlocksCountHi)<<32 | uint64(sb.RBlocksCountLo)
	}
	return uint64(sb.RBlocksCountLo)
}

func (sb *Superblock) SetReservedBlocks(n uint64) {
	sb.RBlocksCountLo = uint32(n)
	if sb.Is64Bit() {
		sb.RBlocksCountHi = uint32(n >> 32)
	}
}

func (sb *Superblock) FreeBlocks() uint64 {
	if sb.Is64Bit() {
		return uint64(sb.FreeBlocksCountHi)<<32 | uint64(sb.FreeBlocksCountLo)
	}
	return uint64(sb.FreeBlocksCountLo)
}

func (sb *Superblock) SetFreeBlocks(n uint64) {
	sb.FreeBlocksCountLo = uint32(n)
	if sb.Is64Bit() {
		sb.FreeBlocksCountHi = uint32(n >> 32)
	}
}

// GroupCount is the number of block groups described by the superblock.
func (sb *Superblock) GroupCount() uint32 {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	data := sb.BlocksCount() - uint64(sb.FirstDataBlock)
	return uint32((data + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup))
}

// InodeRecordSize returns the on-disk inode record size.
func (sb *Superblock) InodeRecordSize() uint32 {
	if sb.RevLevel == GoodOldRev {
		return goodOldInodeSize
	}
	return uint32(sb.InodeSize)
}

// HasBackup reports whether group carries a backup superblock and group
// descriptor table under the layout this superblock describes.
func (sb *Superblock) HasBackup(group uint32) bool {
	if group == 0 {
		return true
	}
	if sb.FeatureCompat&CompatSparseSuper2 != 0 {
		return group == sb.BackupBgs[0] || group == sb.BackupBgs[1]
	}
	if sb.FeatureROCompat&ROCompatSparseSuper == 0 {
		return true
	}
	return isSparseGroup(group)
}

// UpdateDynamicRev upgrades a good-old revision superblock so that feature
// bits become meaningful. It is a no-op on dynamic revision superblocks.
func (sb *Superblock) UpdateDynamicRev() {
	if sb.RevLevel > GoodOldRev {
		return
	}
	sb.RevLevel = DynamicRev
	sb.FirstIno = goodOldFirstInode
	sb.InodeSize = goodOldInodeSize
}

// HasMetadataChecksums reports whether crc32c metadata checksums are enabled.
func (sb *Superblock) HasMetadataChecksums() bool {
	return sb.FeatureROCompat&ROCompatMetadataCsum != 0
}

// FeatureBits returns the three feature bitsets as a fixed-order array.
func (sb *Superblock) FeatureBits() [3]uint32 {
	return [3]uint32{sb.FeatureCompat, sb.FeatureIncompat, sb.FeatureROCompat}
}

// CString returns a NUL-padded fixed-width field as a Go string.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// isSparseGroup checks if a group should have a superblock backup under the
// sparse_super layout: groups 0 and 1 and powers of 3, 5 and 7.
func isSparseGroup(group uint32) bool {
	if group <= 1 {
		return true
	}
	for _, base := range []uint64{3, 5, 7} {
		for n := base; n <= uint64(group); n *= base {
			if n == uint64(group) {
				return true
			}
		}
	}
	return false
}
