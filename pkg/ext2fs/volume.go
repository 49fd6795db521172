package ext2fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Volume is an open handle on an ext2-family filesystem. It owns the
// in-memory superblock for the lifetime of the handle; nothing reaches the
// device until Flush.
type Volume struct {
	backend diskBackend
	path    string
	sb      *Superblock

	// opened is the superblock as read at Open. Backup locations are
	// derived from it because those are the copies that physically exist.
	opened *Superblock

	gdt      []byte
	descSize uint32

	bitmaps      map[uint32][]byte
	dirtyBitmaps map[uint32]bool

	readOnly           bool
	allowImageJournals bool
	logger             *slog.Logger
}

// Option configures Open.
type Option func(*Volume)

// WithReadOnly opens the volume without write access.
func WithReadOnly(readOnly bool) Option {
	return func(v *Volume) {
		v.readOnly = readOnly
	}
}

// WithLogger sets the logger used for I/O diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Volume) {
		v.logger = logger
	}
}

// WithImageJournalDevices lets AddJournalDevice accept regular files that
// contain a journal device image instead of requiring a block device.
func WithImageJournalDevices() Option {
	return func(v *Volume) {
		v.allowImageJournals = true
	}
}

// Open reads the primary superblock of the volume at path.
func Open(path string, opts ...Option) (*Volume, error) {
	v := &Volume{
		path:         path,
		bitmaps:      make(map[uint32][]byte),
		dirtyBitmaps: make(map[uint32]bool),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	backend, err := openFileBackend(path, v.readOnly)
	if err != nil {
		return nil, err
	}

	if err := v.attach(backend); err != nil {
		_ = backend.close()
		return nil, err
	}

	return v, nil
}

func (v *Volume) attach(backend diskBackend) error {
	raw := make([]byte, SuperblockSize)
	if err := backend.readAt(raw, SuperblockOffset); err != nil {
		return fmt.Errorf("reading superblock of %s: %w", v.path, err)
	}

	sb := &Superblock{}
	if err := sb.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("reading superblock of %s: %w", v.path, err)
	}

	if sb.LogBlockSize > 6 || sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return fmt.Errorf("%s: %w", v.path, ErrCorrupt)
	}
	if sb.RevLevel > GoodOldRev && sb.InodeSize < goodOldInodeSize {
		return fmt.Errorf("%s: %w: inode size %d", v.path, ErrCorrupt, sb.InodeSize)
	}

	v.backend = backend
	v.sb = sb
	v.opened = sb.Clone()
	v.descSize = groupDescMinSize
	if sb.Is64Bit() && sb.DescSize > groupDescMinSize {
		v.descSize = uint32(sb.DescSize)
	}

	v.logger.Debug("opened volume",
		"path", v.path,
		"block_size", sb.BlockSize(),
		"blocks", sb.BlocksCount(),
		"groups", sb.GroupCount())

	return nil
}

func (v *Volume) Path() string {
	return v.path
}

// Superblock returns the live in-memory superblock. Mutations are persisted
// by Flush.
func (v *Volume) Superblock() *Superblock {
	return v.sb
}

// SetSuperblock replaces the in-memory superblock, e.g. when restoring a
// saved image.
func (v *Volume) SetSuperblock(sb *Superblock) {
	v.sb = sb
}

func (v *Volume) BlockSize() uint32 {
	return v.sb.BlockSize()
}

// UpdateDynamicRev upgrades the in-memory superblock to dynamic revision.
func (v *Volume) UpdateDynamicRev() {
	v.sb.UpdateDynamicRev()
}

// Close releases the device without writing anything.
func (v *Volume) Close() error {
	if v.backend == nil {
		return nil
	}
	err := v.backend.close()
	v.backend = nil
	return err
}

func (v *Volume) groupStart(group uint32) uint64 {
	return uint64(v.opened.FirstDataBlock) + uint64(group)*uint64(v.opened.BlocksPerGroup)
}

func (v *Volume) blockOffset(block uint64) int64 {
	return int64(block) * int64(v.sb.BlockSize())
}

func (v *Volume) readBlock(block uint64) ([]byte, error) {
	buf := make([]byte, v.sb.BlockSize())
	if err := v.backend.readAt(buf, v.blockOffset(block)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *Volume) writeBlock(block uint64, data []byte) error {
	return v.backend.writeAt(data, v.blockOffset(block))
}

// loadDescriptors reads the primary group descriptor table on first use.
func (v *Volume) loadDescriptors() error {
	if v.gdt != nil {
		return nil
	}
	if v.sb.FeatureIncompat&IncompatMetaBG != 0 {
		return fmt.Errorf("%w: meta_bg", ErrUnsupportedLayout)
	}

	size := int(v.sb.GroupCount()) * int(v.descSize)
	gdt := make([]byte, size)
	if err := v.backend.readAt(gdt, v.blockOffset(uint64(v.sb.FirstDataBlock)+1)); err != nil {
		return fmt.Errorf("reading group descriptors: %w", err)
	}

	v.gdt = gdt
	return nil
}

func (v *Volume) descriptor(group uint32) []byte {
	off := group * v.descSize
	return v.gdt[off : off+v.descSize]
}

func (v *Volume) decodeDesc(group uint32) groupDesc {
	var gd groupDesc
	_ = binary.Read(bytes.NewReader(v.descriptor(group)), binary.LittleEndian, &gd)
	return gd
}

func (v *Volume) encodeDesc(group uint32, gd groupDesc) {
	buf := bytes.NewBuffer(make([]byte, 0, groupDescMinSize))
	_ = binary.Write(buf, binary.LittleEndian, &gd)
	copy(v.descriptor(group), buf.Bytes())
}

func (v *Volume) hiField32(group uint32, off int) uint64 {
	if int(v.descSize) < off+4 {
		return 0
	}
	return uint64(binary.LittleEndian.Uint32(v.descriptor(group)[off:])) << 32
}

func (v *Volume) blockBitmapBlock(group uint32) uint64 {
	return uint64(v.decodeDesc(group).BlockBitmapLo) | v.hiField32(group, groupDescBlockBitmapHi)
}

func (v *Volume) inodeTableBlock(group uint32) uint64 {
	return uint64(v.decodeDesc(group).InodeTableLo) | v.hiField32(group, groupDescInodeTableHi)
}

func (v *Volume) freeBlocksInGroup(group uint32) uint32 {
	n := uint32(v.decodeDesc(group).FreeBlocksCountLo)
	if int(v.descSize) >= groupDescFreeBlocksHi+2 {
		n |= uint32(binary.LittleEndian.Uint16(v.descriptor(group)[groupDescFreeBlocksHi:])) << 16
	}
	return n
}

func (v *Volume) setFreeBlocksInGroup(group, n uint32) {
	gd := v.decodeDesc(group)
	gd.FreeBlocksCountLo = uint16(n)
	v.encodeDesc(group, gd)
	if int(v.descSize) >= groupDescFreeBlocksHi+2 {
		binary.LittleEndian.PutUint16(v.descriptor(group)[groupDescFreeBlocksHi:], uint16(n>>16))
	}
}

// refreshDescChecksums recomputes every descriptor checksum in place.
func (v *Volume) refreshDescChecksums() {
	for g := uint32(0); g < v.sb.GroupCount(); g++ {
		desc := v.descriptor(g)
		if sum, ok := v.sb.groupDescChecksum(g, desc); ok {
			binary.LittleEndian.PutUint16(desc[groupDescChecksumOffset:], sum)
		}
	}
}

// FlushOptions selects which on-disk regions Flush rewrites.
type FlushOptions struct {
	// AllCopies also rewrites every backup superblock.
	AllCopies bool
	// Descriptors also rewrites the group descriptor table next to each
	// superblock copy that is written.
	Descriptors bool
}

// Flush writes the in-memory superblock, and optionally its backups and the
// group descriptors, back to the device.
func (v *Volume) Flush(opts FlushOptions) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if opts.Descriptors {
		if err := v.loadDescriptors(); err != nil {
			return err
		}
		v.refreshDescChecksums()
	}

	if err := v.writeSuperblockCopy(0, SuperblockOffset); err != nil {
		return err
	}
	if opts.Descriptors {
		if err := v.backend.writeAt(v.gdt, v.blockOffset(uint64(v.sb.FirstDataBlock)+1)); err != nil {
			return fmt.Errorf("writing group descriptors: %w", err)
		}
	}

	if opts.AllCopies {
		written := 0
		for g := uint32(1); g < v.opened.GroupCount(); g++ {
			if !v.opened.HasBackup(g) {
				continue
			}
			start := v.groupStart(g)
			present, err := v.hasSuperblockCopy(v.blockOffset(start))
			if err != nil {
				return err
			}
			if !present {
				v.logger.Debug("no backup superblock in group, skipping", "path", v.path, "group", g)
				continue
			}
			if err := v.writeSuperblockCopy(g, v.blockOffset(start)); err != nil {
				return err
			}
			if opts.Descriptors {
				if err := v.backend.writeAt(v.gdt, v.blockOffset(start+1)); err != nil {
					return fmt.Errorf("writing backup group descriptors for group %d: %w", g, err)
				}
			}
			written++
		}
		v.logger.Debug("wrote backup superblocks", "path", v.path, "copies", written)
	}

	if err := v.backend.sync(); err != nil {
		return err
	}

	v.opened = v.sb.Clone()
	return nil
}

// hasSuperblockCopy reports whether a superblock copy already lives at off.
// Backups are only ever rewritten in place; a group whose first block holds
// anything else belongs to a different layout.
func (v *Volume) hasSuperblockCopy(off int64) (bool, error) {
	raw := make([]byte, SuperblockSize)
	if err := v.backend.readAt(raw, off); err != nil {
		return false, fmt.Errorf("reading backup superblock at %d: %w", off, err)
	}
	return binary.LittleEndian.Uint16(raw[superblockMagicOffset:]) == Magic, nil
}

func (v *Volume) writeSuperblockCopy(group uint32, off int64) error {
	c := v.sb.Clone()
	c.BlockGroupNr = uint16(group)

	raw, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	c.updateChecksum(raw)
	if group == 0 {
		v.sb.Checksum = c.Checksum
	}

	if err := v.backend.writeAt(raw, off); err != nil {
		return fmt.Errorf("writing superblock copy for group %d: %w", group, err)
	}
	return nil
}
