package ext2fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

const (
	journalMagic = 0xC03B3998

	journalSuperblockV1 = 3
	journalSuperblockV2 = 4

	journalSuperblockSize = 1024
	journalMaxUsers       = 48

	// MinJournalBlocks and MaxJournalBlocks bound the journal size
	// accepted when creating a journal.
	MinJournalBlocks = 1024
	MaxJournalBlocks = 102400

	maxExtentLen   = 32768
	inodeExtents   = 4
	directBlocks   = 12
	indirectBlock  = 12
	tIndirectBlock = 14
)

// JournalFlags tune how a journal is created.
type JournalFlags uint32

const (
	// JournalV1Superblock writes a version 1 journal superblock.
	JournalV1Superblock JournalFlags = 1 << iota
)

// JournalParams describes an inode-backed journal to create.
type JournalParams struct {
	// Blocks is the journal size in filesystem blocks.
	Blocks uint32
	Flags  JournalFlags
	// MountPoint is set when the volume is mounted; the journal is then
	// created as a file through the running kernel instead of by editing
	// the block bitmaps directly.
	MountPoint string
}

// journalSuperblock mirrors journal_superblock_t. Unlike the rest of the
// filesystem it is big endian.
type journalSuperblock struct {
	Magic           uint32     // 0x00
	BlockType       uint32     // 0x04
	HeaderSequence  uint32     // 0x08
	BlockSize       uint32     // 0x0C
	MaxLen          uint32     // 0x10
	First           uint32     // 0x14
	Sequence        uint32     // 0x18
	Start           uint32     // 0x1C
	Errno           int32      // 0x20
	FeatureCompat   uint32     // 0x24
	FeatureIncompat uint32     // 0x28
	FeatureROCompat uint32     // 0x2C
	UUID            [16]byte   // 0x30
	NrUsers         uint32     // 0x40
	DynSuper        uint32     // 0x44
	MaxTransaction  uint32     // 0x48
	MaxTransData    uint32     // 0x4C
	ChecksumType    uint8      // 0x50
	Padding2        [3]uint8   // 0x51
	NumFCBlocks     uint32     // 0x54
	Head            uint32     // 0x58
	Padding         [40]uint32 // 0x5C
	Checksum        uint32     // 0xFC

	Users [journalMaxUsers * 16]byte // 0x100
}

func (jsb *journalSuperblock) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, journalSuperblockSize))
	_ = binary.Write(buf, binary.BigEndian, jsb)
	return buf.Bytes()
}

func (jsb *journalSuperblock) unmarshal(data []byte) error {
	if err := binary.Read(bytes.NewReader(data[:journalSuperblockSize]), binary.BigEndian, jsb); err != nil {
		return fmt.Errorf("decoding journal superblock: %w", err)
	}
	if jsb.Magic != journalMagic ||
		(jsb.BlockType != journalSuperblockV1 && jsb.BlockType != journalSuperblockV2) {
		return ErrNoJournalSuperblock
	}
	return nil
}

// newJournalSuperblock builds the superblock written into the first block
// of a fresh inode journal.
func (v *Volume) newJournalSuperblock(blocks uint32, flags JournalFlags) *journalSuperblock {
	jsb := &journalSuperblock{
		Magic:     journalMagic,
		BlockType: journalSuperblockV2,
		BlockSize: v.sb.BlockSize(),
		MaxLen:    blocks,
		First:     1,
		Sequence:  1,
		NrUsers:   1,
		UUID:      v.sb.UUID,
	}
	if flags&JournalV1Superblock != 0 {
		jsb.BlockType = journalSuperblockV1
	}
	return jsb
}

// writeJournalContents emits a fresh journal block by block: the journal
// superblock followed by zeroed blocks.
func (v *Volume) writeJournalContents(w func(i uint64, data []byte) error, blocks uint32, flags JournalFlags) error {
	bs := v.sb.BlockSize()

	first := make([]byte, bs)
	copy(first, v.newJournalSuperblock(blocks, flags).marshal())
	if err := w(0, first); err != nil {
		return err
	}

	zero := make([]byte, bs)
	for i := uint64(1); i < uint64(blocks); i++ {
		if err := w(i, zero); err != nil {
			return err
		}
	}
	return nil
}

// AddJournalInode creates an inode-backed journal and sets has_journal.
//
// On an unmounted volume the blocks are allocated from the block bitmaps and
// mapped into the reserved journal inode; bitmaps, the inode and the journal
// contents are written immediately, while the superblock and the group
// descriptors are left for Flush with Descriptors set. On a mounted volume
// the journal is created as a file under p.MountPoint.
func (v *Volume) AddJournalInode(p JournalParams) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if p.Blocks < MinJournalBlocks || p.Blocks > MaxJournalBlocks {
		return fmt.Errorf("%w: %d blocks", ErrJournalSize, p.Blocks)
	}

	if p.MountPoint != "" {
		ino, err := v.createMountedJournal(p)
		if err != nil {
			return err
		}
		v.sb.JournalInum = ino
		v.sb.JnlBlocks = [17]uint32{}
		v.sb.JnlBackupType = 0
		v.sb.FeatureCompat |= CompatHasJournal
		return nil
	}

	inode, err := v.ReadInode(JournalInode)
	if err != nil {
		return err
	}
	// A cleared has_journal leaves the old journal mapped until e2fsck
	// releases it.
	if inode.Blocks != 0 {
		return fmt.Errorf("%w: inode %d holds %d sectors", ErrJournalExists, JournalInode, inode.Blocks)
	}

	dataBlocks, metaBlocks, err := v.mapJournal(inode, uint64(p.Blocks))
	if err != nil {
		return err
	}

	write := func(i uint64, data []byte) error {
		if err := v.writeBlock(dataBlocks[i], data); err != nil {
			return fmt.Errorf("writing journal block %d: %w", i, err)
		}
		return nil
	}
	if err := v.writeJournalContents(write, p.Blocks, p.Flags); err != nil {
		return err
	}
	if err := v.writeBitmaps(); err != nil {
		return err
	}

	now := uint32(time.Now().Unix())
	bs := uint64(v.sb.BlockSize())
	inode.Mode = inodeModeRegular | 0o600
	inode.LinksCount = 1
	inode.Size = uint64(p.Blocks) * bs
	inode.Blocks = (uint64(p.Blocks) + metaBlocks) * (bs / 512)
	inode.Atime, inode.Ctime, inode.Mtime = now, now, now
	if err := v.WriteInode(JournalInode, inode); err != nil {
		return err
	}

	copy(v.sb.JnlBlocks[:15], inode.Block[:])
	v.sb.JnlBlocks[15] = uint32(inode.Size >> 32)
	v.sb.JnlBlocks[16] = uint32(inode.Size)
	v.sb.JnlBackupType = jnlBackupBlocks
	v.sb.JournalInum = JournalInode
	v.sb.FeatureCompat |= CompatHasJournal

	v.logger.Debug("created journal inode",
		"path", v.path,
		"blocks", p.Blocks,
		"index_blocks", metaBlocks,
		"extents", inode.Flags&InodeFlagExtents != 0)

	return nil
}

// mapJournal allocates the journal's blocks and records them in the inode's
// block map. It returns the data blocks in logical order and the number of
// index blocks allocated on top of them.
func (v *Volume) mapJournal(inode *Inode, n uint64) ([]uint64, uint64, error) {
	if v.sb.FeatureIncompat&IncompatExtents != 0 {
		blocks, err := v.mapJournalExtents(inode, n)
		return blocks, 0, err
	}
	return v.mapJournalIndirect(inode, n)
}

func (v *Volume) mapJournalExtents(inode *Inode, n uint64) ([]uint64, error) {
	runs, err := v.allocBlocks(n)
	if err != nil {
		return nil, err
	}

	var split []extent
	for _, r := range runs {
		for r.len > 0 {
			l := min(r.len, maxExtentLen)
			split = append(split, extent{start: r.start, len: l})
			r.start += l
			r.len -= l
		}
	}
	if len(split) > inodeExtents {
		return nil, fmt.Errorf("%w: %d extents", ErrTooFragmented, len(split))
	}

	var raw [60]byte
	binary.LittleEndian.PutUint16(raw[0:], extentMagic)
	binary.LittleEndian.PutUint16(raw[2:], uint16(len(split)))
	binary.LittleEndian.PutUint16(raw[4:], inodeExtents)

	logical := uint32(0)
	var blocks []uint64
	for i, e := range split {
		off := 12 + i*12
		binary.LittleEndian.PutUint32(raw[off:], logical)
		binary.LittleEndian.PutUint16(raw[off+4:], uint16(e.len))
		binary.LittleEndian.PutUint16(raw[off+6:], uint16(e.start>>32))
		binary.LittleEndian.PutUint32(raw[off+8:], uint32(e.start))
		logical += uint32(e.len)
		for b := e.start; b < e.start+e.len; b++ {
			blocks = append(blocks, b)
		}
	}

	for i := range inode.Block {
		inode.Block[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	inode.Flags |= InodeFlagExtents

	return blocks, nil
}

// indexBlocksFor counts the indirect blocks needed to map n data blocks.
func indexBlocksFor(n, perBlock uint64) (uint64, error) {
	if n <= directBlocks {
		return 0, nil
	}
	rem := n - directBlocks
	meta := uint64(1)
	if rem <= perBlock {
		return meta, nil
	}
	rem -= perBlock

	if rem <= perBlock*perBlock {
		return meta + 1 + ceilDiv(rem, perBlock), nil
	}
	meta += 1 + perBlock
	rem -= perBlock * perBlock

	if rem > perBlock*perBlock*perBlock {
		return 0, ErrJournalTooLarge
	}
	leaves := ceilDiv(rem, perBlock)
	return meta + 1 + ceilDiv(leaves, perBlock) + leaves, nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func (v *Volume) mapJournalIndirect(inode *Inode, n uint64) ([]uint64, uint64, error) {
	if v.sb.BlocksCount() > 1<<32 {
		return nil, 0, fmt.Errorf("%w: block map cannot address 64-bit volume", ErrUnsupportedLayout)
	}

	bs := uint64(v.sb.BlockSize())
	perBlock := bs / 4
	meta, err := indexBlocksFor(n, perBlock)
	if err != nil {
		return nil, 0, err
	}

	runs, err := v.allocBlocks(n + meta)
	if err != nil {
		return nil, 0, err
	}
	queue := make([]uint64, 0, n+meta)
	for _, r := range runs {
		for b := r.start; b < r.start+r.len; b++ {
			queue = append(queue, b)
		}
	}

	next := func() uint64 {
		b := queue[0]
		queue = queue[1:]
		return b
	}

	data := make([]uint64, 0, n)
	take := func() uint32 {
		b := next()
		data = append(data, b)
		return uint32(b)
	}

	var fill func(level int) (uint32, error)
	fill = func(level int) (uint32, error) {
		blk := next()
		buf := make([]byte, bs)
		for i := uint64(0); i < perBlock && uint64(len(data)) < n; i++ {
			entry := uint32(0)
			if level == 1 {
				entry = take()
			} else {
				child, err := fill(level - 1)
				if err != nil {
					return 0, err
				}
				entry = child
			}
			binary.LittleEndian.PutUint32(buf[i*4:], entry)
		}
		if err := v.writeBlock(blk, buf); err != nil {
			return 0, fmt.Errorf("writing journal index block: %w", err)
		}
		return uint32(blk), nil
	}

	inode.Block = [15]uint32{}
	for i := 0; i < directBlocks && uint64(len(data)) < n; i++ {
		inode.Block[i] = take()
	}
	for slot, level := indirectBlock, 1; slot <= tIndirectBlock && uint64(len(data)) < n; slot, level = slot+1, level+1 {
		blk, err := fill(level)
		if err != nil {
			return nil, 0, err
		}
		inode.Block[slot] = blk
	}
	inode.Flags &^= InodeFlagExtents

	return data, meta, nil
}

// AddJournalDevice attaches the external journal on devPath to the volume:
// the volume's UUID is added to the journal's user list, and the journal's
// UUID and device number are recorded in the superblock.
func (v *Volume) AddJournalDevice(devPath string) error {
	if v.readOnly {
		return ErrReadOnly
	}

	fi, err := os.Stat(devPath)
	if err != nil {
		return fmt.Errorf("stat journal device %s: %w", devPath, err)
	}
	if !isBlockDevice(fi) && !(v.allowImageJournals && fi.Mode().IsRegular()) {
		return fmt.Errorf("%s: %w", devPath, ErrJournalNotBlock)
	}

	dev, err := openFileBackend(devPath, false)
	if err != nil {
		return err
	}
	defer dev.close()

	raw := make([]byte, SuperblockSize)
	if err := dev.readAt(raw, SuperblockOffset); err != nil {
		return fmt.Errorf("reading journal device superblock: %w", err)
	}
	var devSB Superblock
	if err := devSB.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("%s: %w", devPath, ErrNoJournalSuperblock)
	}
	if devSB.FeatureIncompat&IncompatJournalDev == 0 {
		return fmt.Errorf("%s: %w", devPath, ErrNoJournalSuperblock)
	}

	jsbOff := journalSuperblockOffset(devSB.BlockSize())
	buf := make([]byte, journalSuperblockSize)
	if err := dev.readAt(buf, jsbOff); err != nil {
		return fmt.Errorf("reading journal superblock: %w", err)
	}
	var jsb journalSuperblock
	if err := jsb.unmarshal(buf); err != nil {
		return fmt.Errorf("%s: %w", devPath, err)
	}
	if jsb.BlockSize != v.sb.BlockSize() {
		return fmt.Errorf("%w: journal %d, filesystem %d", ErrJournalBlockSize, jsb.BlockSize, v.sb.BlockSize())
	}

	if !jsb.hasUser(v.sb.UUID) {
		if jsb.NrUsers >= journalMaxUsers {
			return ErrJournalUsersExceeded
		}
		copy(jsb.Users[jsb.NrUsers*16:], v.sb.UUID[:])
		jsb.NrUsers++
	}

	if err := dev.writeAt(jsb.marshal(), jsbOff); err != nil {
		return fmt.Errorf("updating journal superblock: %w", err)
	}
	if err := dev.sync(); err != nil {
		return err
	}

	v.sb.JournalInum = 0
	v.sb.JournalDev = deviceNumber(fi)
	v.sb.JournalUUID = jsb.UUID
	v.sb.JnlBlocks = [17]uint32{}
	v.sb.JnlBackupType = 0
	v.sb.FeatureCompat |= CompatHasJournal

	v.logger.Debug("attached external journal",
		"path", v.path,
		"journal", devPath,
		"users", jsb.NrUsers)

	return nil
}

func (jsb *journalSuperblock) hasUser(uuid [16]byte) bool {
	for i := uint32(0); i < jsb.NrUsers && i < journalMaxUsers; i++ {
		if bytes.Equal(jsb.Users[i*16:i*16+16], uuid[:]) {
			return true
		}
	}
	return false
}

// journalSuperblockOffset is where an external journal device keeps its
// journal superblock: the block after the ext2 superblock.
func journalSuperblockOffset(blockSize uint32) int64 {
	start := int64(1)
	if blockSize == 1024 {
		start = 2
	}
	return start * int64(blockSize)
}

// EncodeDevice packs a device number the way the kernel's new_encode_dev
// does, which is the form stored in s_journal_dev.
func EncodeDevice(major, minor uint32) uint32 {
	return (minor & 0xff) | (major << 8) | ((minor &^ 0xff) << 12)
}
