package ext2fs

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c continues a raw crc32c (no pre/post inversion), matching the
// kernel's crc32c_le which ext4 checksums are defined in terms of.
func crc32c(crc uint32, p []byte) uint32 {
	return ^crc32.Update(^crc, castagnoli, p)
}

// crc16Table is the reflected 0x8005 polynomial used by uninit_bg group
// descriptor checksums.
var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc16(crc uint16, p []byte) uint16 {
	for _, b := range p {
		crc = crc>>8 ^ crc16Table[byte(crc)^b]
	}
	return crc
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

// checksumSeed is the per-filesystem crc32c seed for metadata checksums.
func (sb *Superblock) checksumSeed() uint32 {
	if sb.FeatureIncompat&IncompatCsumSeed != 0 {
		return sb.ChecksumSeed
	}
	return crc32c(^uint32(0), sb.UUID[:])
}

// CurrentChecksumSeed returns the seed in effect so callers changing the
// UUID can pin it.
func (sb *Superblock) CurrentChecksumSeed() uint32 {
	return sb.checksumSeed()
}

// updateChecksum refreshes the superblock checksum when metadata_csum is on.
func (sb *Superblock) updateChecksum(raw []byte) {
	if !sb.HasMetadataChecksums() {
		return
	}
	sb.Checksum = crc32c(^uint32(0), raw[:SuperblockSize-4])
	binary.LittleEndian.PutUint32(raw[SuperblockSize-4:], sb.Checksum)
}

// groupDescChecksum computes the descriptor checksum for either metadata_csum
// or uninit_bg volumes. ok is false when neither is enabled.
func (sb *Superblock) groupDescChecksum(group uint32, desc []byte) (sum uint16, ok bool) {
	size := len(desc)
	switch {
	case sb.HasMetadataChecksums():
		crc := crc32c(sb.checksumSeed(), le32(group))
		crc = crc32c(crc, desc[:groupDescChecksumOffset])
		crc = crc32c(crc, []byte{0, 0})
		if off := groupDescChecksumOffset + 2; off < size {
			crc = crc32c(crc, desc[off:])
		}
		return uint16(crc), true
	case sb.FeatureROCompat&ROCompatGDTCsum != 0:
		crc := crc16(0xFFFF, sb.UUID[:])
		crc = crc16(crc, le32(group))
		crc = crc16(crc, desc[:groupDescChecksumOffset])
		if off := groupDescChecksumOffset + 2; sb.Is64Bit() && off < size {
			crc = crc16(crc, desc[off:])
		}
		return crc, true
	default:
		return 0, false
	}
}

// inodeChecksum computes the crc32c of a full inode record with both checksum
// fields treated as zero. hasHi reports whether the high half is stored.
func (sb *Superblock) inodeChecksum(ino uint32, raw []byte) (sum uint32, hasHi bool) {
	gen := binary.LittleEndian.Uint32(raw[0x64:])
	hasHi = len(raw) > inodeBaseSize &&
		binary.LittleEndian.Uint16(raw[inodeExtraIsizeOffset:]) >= inodeChecksumHiOffset+2-inodeBaseSize

	buf := make([]byte, len(raw))
	copy(buf, raw)
	buf[inodeChecksumLoOffset], buf[inodeChecksumLoOffset+1] = 0, 0
	if hasHi {
		buf[inodeChecksumHiOffset], buf[inodeChecksumHiOffset+1] = 0, 0
	}

	crc := crc32c(sb.checksumSeed(), le32(ino))
	crc = crc32c(crc, le32(gen))
	crc = crc32c(crc, buf)
	if !hasHi {
		crc &= 0xFFFF
	}
	return crc, hasHi
}

// bitmapChecksum is the crc32c over the used part of a block bitmap.
func (sb *Superblock) bitmapChecksum(bitmap []byte) uint32 {
	n := sb.ClustersPerGroup / 8
	if n == 0 || int(n) > len(bitmap) {
		n = uint32(len(bitmap))
	}
	return crc32c(sb.checksumSeed(), bitmap[:n])
}
