// Package ext2fs reads and writes the global metadata of ext2/ext3/ext4
// volumes: the superblock and its backup copies, block group descriptors,
// inodes and journals.
//
// It is the low-level half of tunefs. It knows where things live on disk and
// how to encode them, but makes no policy decisions about which edits are
// allowed; that lives in internal/tune.
package ext2fs

const (
	// SuperblockOffset is the byte offset of the primary superblock.
	SuperblockOffset = 1024
	// SuperblockSize is the on-disk size of a superblock copy.
	SuperblockSize = 1024

	// Magic identifies an ext2-family superblock.
	Magic = 0xEF53

	superblockMagicOffset = 0x38

	// Revision levels
	GoodOldRev = 0
	DynamicRev = 1

	goodOldInodeSize  = 128
	goodOldFirstInode = 11

	// State bits
	StateValid  = 0x0001
	StateErrors = 0x0002

	// Error behaviours
	ErrorsContinue = 1
	ErrorsRO       = 2
	ErrorsPanic    = 3

	// Reserved inodes
	RootInode    = 2
	JournalInode = 8

	// Inode flags
	InodeFlagImmutable = 0x00000010
	InodeFlagNoDump    = 0x00000040
	InodeFlagExtents   = 0x00080000

	inodeModeRegular = 0x8000

	// Journal superblock backup kinds stored in JnlBackupType
	jnlBackupBlocks = 1

	// Block group descriptor flags
	bgBlockUninit = 0x0002

	extentMagic = 0xF30A
)

// Superblock mirrors struct ext2_super_block. All fields are little endian
// on disk; offsets are noted for cross-checking against the kernel headers.
type Superblock struct {
	InodesCount       uint32     // 0x00
	BlocksCountLo     uint32     // 0x04
	RBlocksCountLo    uint32     // 0x08
	FreeBlocksCountLo uint32     // 0x0C
	FreeInodesCount   uint32     // 0x10
	FirstDataBlock    uint32     // 0x14
	LogBlockSize      uint32     // 0x18
	LogClusterSize    uint32     // 0x1C
	BlocksPerGroup    uint32     // 0x20
	ClustersPerGroup  uint32     // 0x24
	InodesPerGroup    uint32     // 0x28
	MTime             uint32     // 0x2C
	WTime             uint32     // 0x30
	MntCount          uint16     // 0x34
	MaxMntCount       int16      // 0x36
	Magic             uint16     // 0x38
	State             uint16     // 0x3A
	Errors            uint16     // 0x3C
	MinorRevLevel     uint16     // 0x3E
	LastCheck         uint32     // 0x40
	CheckInterval     uint32     // 0x44
	CreatorOS         uint32     // 0x48
	RevLevel          uint32     // 0x4C
	DefResUID         uint16     // 0x50
	DefResGID         uint16     // 0x52
	FirstIno          uint32     // 0x54
	InodeSize         uint16     // 0x58
	BlockGroupNr      uint16     // 0x5A
	FeatureCompat     uint32     // 0x5C
	FeatureIncompat   uint32     // 0x60
	FeatureROCompat   uint32     // 0x64
	UUID              [16]byte   // 0x68
	VolumeName        [16]byte   // 0x78
	LastMounted       [64]byte   // 0x88
	AlgorithmUsageBmp uint32     // 0xC8
	PreallocBlocks    uint8      // 0xCC
	PreallocDirBlocks uint8      // 0xCD
	ReservedGDTBlocks uint16     // 0xCE
	JournalUUID       [16]byte   // 0xD0
	JournalInum       uint32     // 0xE0
	JournalDev        uint32     // 0xE4
	LastOrphan        uint32     // 0xE8
	HashSeed          [4]uint32  // 0xEC
	DefHashVersion    uint8      // 0xFC
	JnlBackupType     uint8      // 0xFD
	DescSize          uint16     // 0xFE
	DefaultMountOpts  uint32     // 0x100
	FirstMetaBg       uint32     // 0x104
	MkfsTime          uint32     // 0x108
	JnlBlocks         [17]uint32 // 0x10C
	BlocksCountHi     uint32     // 0x150
	RBlocksCountHi    uint32     // 0x154
	FreeBlocksCountHi uint32     // 0x158
	MinExtraIsize     uint16     // 0x15C
	WantExtraIsize    uint16     // 0x15E
	Flags             uint32     // 0x160
	RaidStride        uint16     // 0x164
	MmpInterval       uint16     // 0x166
	MmpBlock          uint64     // 0x168
	RaidStripeWidth   uint32     // 0x170
	LogGroupsPerFlex  uint8      // 0x174
	ChecksumType      uint8      // 0x175
	ReservedPad       uint16     // 0x176
	KBytesWritten     uint64     // 0x178
	SnapshotInum      uint32     // 0x180
	SnapshotID        uint32     // 0x184
	SnapshotRBlksCnt  uint64     // 0x188
	SnapshotList      uint32     // 0x190
	ErrorCount        uint32     // 0x194
	FirstErrorTime    uint32     // 0x198
	FirstErrorIno     uint32     // 0x19C
	FirstErrorBlock   uint64     // 0x1A0
	FirstErrorFunc    [32]byte   // 0x1A8
	FirstErrorLine    uint32     // 0x1C8
	LastErrorTime     uint32     // 0x1CC
	LastErrorIno      uint32     // 0x1D0
	LastErrorLine     uint32     // 0x1D4
	LastErrorBlock    uint64     // 0x1D8
	LastErrorFunc     [32]byte   // 0x1E0
	MountOpts         [64]byte   // 0x200
	UsrQuotaInum      uint32     // 0x240
	GrpQuotaInum      uint32     // 0x244
	OverheadBlocks    uint32     // 0x248
	BackupBgs         [2]uint32  // 0x24C
	EncryptAlgos      [4]uint8   // 0x254
	EncryptPwSalt     [16]byte   // 0x258
	LpfIno            uint32     // 0x268
	PrjQuotaInum      uint32     // 0x26C
	ChecksumSeed      uint32     // 0x270
	WtimeHi           uint8      // 0x274
	MtimeHi           uint8      // 0x275
	MkfsTimeHi        uint8      // 0x276
	LastcheckHi       uint8      // 0x277
	FirstErrorTimeHi  uint8      // 0x278
	LastErrorTimeHi   uint8      // 0x279
	ErrorTimePad      [2]uint8   // 0x27A
	Encoding          uint16     // 0x27C
	EncodingFlags     uint16     // 0x27E
	OrphanFileInum    uint32     // 0x280
	Reserved          [94]uint32 // 0x284
	Checksum          uint32     // 0x3FC
}

// groupDesc is the 32-byte prefix shared by every block group descriptor
// layout. 64-bit volumes append high halves after it.
type groupDesc struct {
	BlockBitmapLo     uint32 // 0x00
	InodeBitmapLo     uint32 // 0x04
	InodeTableLo      uint32 // 0x08
	FreeBlocksCountLo uint16 // 0x0C
	FreeInodesCountLo uint16 // 0x0E
	UsedDirsCountLo   uint16 // 0x10
	Flags             uint16 // 0x12
	ExcludeBitmapLo   uint32 // 0x14
	BlockBitmapCsumLo uint16 // 0x18
	InodeBitmapCsumLo uint16 // 0x1A
	ItableUnusedLo    uint16 // 0x1C
	Checksum          uint16 // 0x1E
}

const (
	groupDescMinSize        = 32
	groupDescChecksumOffset = 0x1E
	groupDescBlockBitmapHi  = 0x20
	groupDescInodeTableHi   = 0x28
	groupDescFreeBlocksHi   = 0x2C
	groupDescBlockCsumHi    = 0x38
	groupDescBlockCsumHiEnd = 0x3C
)

// inodeBase is the 128-byte layout common to every inode size.
type inodeBase struct {
	Mode       uint16     // 0x00
	UID        uint16     // 0x02
	SizeLo     uint32     // 0x04
	Atime      uint32     // 0x08
	Ctime      uint32     // 0x0C
	Mtime      uint32     // 0x10
	Dtime      uint32     // 0x14
	GID        uint16     // 0x18
	LinksCount uint16     // 0x1A
	BlocksLo   uint32     // 0x1C
	Flags      uint32     // 0x20
	Version    uint32     // 0x24
	Block      [15]uint32 // 0x28
	Generation uint32     // 0x64
	FileACLLo  uint32     // 0x68
	SizeHi     uint32     // 0x6C
	ObsoFAddr  uint32     // 0x70
	BlocksHi   uint16     // 0x74
	FileACLHi  uint16     // 0x76
	UIDHi      uint16     // 0x78
	GIDHi      uint16     // 0x7A
	ChecksumLo uint16     // 0x7C
	Reserved   uint16     // 0x7E
}

const (
	inodeBaseSize         = 128
	inodeChecksumLoOffset = 0x7C
	inodeExtraIsizeOffset = 0x80
	inodeChecksumHiOffset = 0x82
)
