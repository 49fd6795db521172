package ext2fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Inode is the decoded subset of an on-disk inode that tunefs edits. The
// full record is kept so that fields it does not understand survive a
// read-modify-write cycle.
type Inode struct {
	Mode       uint16
	LinksCount uint16
	Flags      uint32
	Size       uint64
	Blocks     uint64 // 512-byte sectors
	Block      [15]uint32
	Generation uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32

	raw []byte
}

func (v *Volume) inodeLocation(ino uint32) (int64, error) {
	if ino == 0 || ino > v.sb.InodesCount {
		return 0, fmt.Errorf("%w: %d", ErrBadInode, ino)
	}
	if err := v.loadDescriptors(); err != nil {
		return 0, err
	}

	group := (ino - 1) / v.sb.InodesPerGroup
	index := (ino - 1) % v.sb.InodesPerGroup
	table := v.inodeTableBlock(group)

	return v.blockOffset(table) + int64(index)*int64(v.sb.InodeRecordSize()), nil
}

// ReadInode loads inode ino from its group's inode table.
func (v *Volume) ReadInode(ino uint32) (*Inode, error) {
	off, err := v.inodeLocation(ino)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, v.sb.InodeRecordSize())
	if err := v.backend.readAt(raw, off); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", ino, err)
	}

	var base inodeBase
	if err := binary.Read(bytes.NewReader(raw[:inodeBaseSize]), binary.LittleEndian, &base); err != nil {
		return nil, fmt.Errorf("decoding inode %d: %w", ino, err)
	}

	return &Inode{
		Mode:       base.Mode,
		LinksCount: base.LinksCount,
		Flags:      base.Flags,
		Size:       uint64(base.SizeHi)<<32 | uint64(base.SizeLo),
		Blocks:     uint64(base.BlocksHi)<<32 | uint64(base.BlocksLo),
		Block:      base.Block,
		Generation: base.Generation,
		Atime:      base.Atime,
		Ctime:      base.Ctime,
		Mtime:      base.Mtime,
		raw:        raw,
	}, nil
}

// WriteInode stores inode ino, refreshing its checksum on metadata_csum
// volumes. Inode table writes go straight to the device.
func (v *Volume) WriteInode(ino uint32, inode *Inode) error {
	if v.readOnly {
		return ErrReadOnly
	}
	off, err := v.inodeLocation(ino)
	if err != nil {
		return err
	}

	raw := inode.raw
	if len(raw) != int(v.sb.InodeRecordSize()) {
		raw = make([]byte, v.sb.InodeRecordSize())
	}

	var base inodeBase
	_ = binary.Read(bytes.NewReader(raw[:inodeBaseSize]), binary.LittleEndian, &base)
	base.Mode = inode.Mode
	base.LinksCount = inode.LinksCount
	base.Flags = inode.Flags
	base.SizeLo = uint32(inode.Size)
	base.SizeHi = uint32(inode.Size >> 32)
	base.BlocksLo = uint32(inode.Blocks)
	base.BlocksHi = uint16(inode.Blocks >> 32)
	base.Block = inode.Block
	base.Generation = inode.Generation
	base.Atime = inode.Atime
	base.Ctime = inode.Ctime
	base.Mtime = inode.Mtime

	buf := bytes.NewBuffer(make([]byte, 0, inodeBaseSize))
	if err := binary.Write(buf, binary.LittleEndian, &base); err != nil {
		return fmt.Errorf("encoding inode %d: %w", ino, err)
	}
	copy(raw, buf.Bytes())

	if v.sb.HasMetadataChecksums() {
		sum, hasHi := v.sb.inodeChecksum(ino, raw)
		binary.LittleEndian.PutUint16(raw[inodeChecksumLoOffset:], uint16(sum))
		if hasHi {
			binary.LittleEndian.PutUint16(raw[inodeChecksumHiOffset:], uint16(sum>>16))
		}
	}

	if err := v.backend.writeAt(raw, off); err != nil {
		return fmt.Errorf("writing inode %d: %w", ino, err)
	}

	inode.raw = raw
	return nil
}
