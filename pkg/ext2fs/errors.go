package ext2fs

import "errors"

var (
	// Superblock errors
	ErrBadMagic       = errors.New("bad magic number in superblock")
	ErrCorrupt        = errors.New("corrupt superblock geometry")
	ErrUnknownFeature = errors.New("unknown filesystem feature")

	// Access errors
	ErrReadOnly          = errors.New("volume is opened read-only")
	ErrBadInode          = errors.New("inode number out of range")
	ErrUnsupportedLayout = errors.New("unsupported block group layout")

	// Allocation errors
	ErrNoSpace         = errors.New("not enough free blocks")
	ErrTooFragmented   = errors.New("free space too fragmented for an in-inode extent map")
	ErrJournalTooLarge = errors.New("journal does not fit the block map")
	ErrJournalSize     = errors.New("journal size out of range")
	ErrJournalExists   = errors.New("journal inode already in use; run e2fsck to release it")

	// External journal errors
	ErrJournalNotBlock      = errors.New("journal path is not a block device")
	ErrNoJournalSuperblock  = errors.New("journal superblock not found")
	ErrJournalBlockSize     = errors.New("journal block size does not match filesystem")
	ErrJournalUsersExceeded = errors.New("too many filesystems using the journal device")

	ErrUnsupported = errors.New("operation not supported on this platform")
)
