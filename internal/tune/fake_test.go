package tune

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/maxdollinger/tunefs/internal/undo"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/mount"
	"github.com/opencontainers/go-digest"
)

func ptr[T any](v T) *T {
	return &v
}

var testUUID = [16]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

// newTestSuperblock describes a clean, unjournaled 1 KiB block volume with
// one million blocks.
func newTestSuperblock() *ext2fs.Superblock {
	sb := &ext2fs.Superblock{
		InodesCount:     250000,
		BlocksCountLo:   1000000,
		FirstDataBlock:  1,
		BlocksPerGroup:  8192,
		InodesPerGroup:  2048,
		Magic:           ext2fs.Magic,
		State:           ext2fs.StateValid,
		Errors:          ext2fs.ErrorsContinue,
		MaxMntCount:     20,
		RevLevel:        ext2fs.DynamicRev,
		FirstIno:        11,
		InodeSize:       128,
		FeatureIncompat: ext2fs.IncompatFiletype,
		FeatureROCompat: ext2fs.ROCompatSparseSuper,
		UUID:            testUUID,
	}
	sb.SetReservedBlocks(50000)
	return sb
}

// fakeVolume records what a session asks of the filesystem library.
type fakeVolume struct {
	sb     *ext2fs.Superblock
	inodes map[uint32]*ext2fs.Inode

	readErr    error
	writeErr   error
	journalErr error

	// compatAtInodeWrite is the compat bitset observed when the journal
	// inode was written back.
	compatAtInodeWrite uint32
	inodeWrites        int

	journalParams  *ext2fs.JournalParams
	journalDevices []string
	flushes        []ext2fs.FlushOptions
}

func newFakeVolume() *fakeVolume {
	return &fakeVolume{
		sb:     newTestSuperblock(),
		inodes: make(map[uint32]*ext2fs.Inode),
	}
}

// withJournal gives the volume an inode journal flagged immutable.
func (f *fakeVolume) withJournal() *fakeVolume {
	f.sb.FeatureCompat |= ext2fs.CompatHasJournal
	f.sb.JournalInum = ext2fs.JournalInode
	f.inodes[ext2fs.JournalInode] = &ext2fs.Inode{
		Mode:  0x8180,
		Flags: ext2fs.InodeFlagImmutable | ext2fs.InodeFlagNoDump,
		Size:  16 << 20,
	}
	return f
}

func (f *fakeVolume) Path() string {
	return "/dev/fake0"
}

func (f *fakeVolume) Superblock() *ext2fs.Superblock {
	return f.sb
}

func (f *fakeVolume) UpdateDynamicRev() {
	f.sb.UpdateDynamicRev()
}

func (f *fakeVolume) ReadInode(ino uint32) (*ext2fs.Inode, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	inode, ok := f.inodes[ino]
	if !ok {
		return nil, ext2fs.ErrBadInode
	}
	c := *inode
	return &c, nil
}

func (f *fakeVolume) WriteInode(ino uint32, inode *ext2fs.Inode) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.inodeWrites++
	f.compatAtInodeWrite = f.sb.FeatureCompat
	c := *inode
	f.inodes[ino] = &c
	return nil
}

func (f *fakeVolume) AddJournalInode(p ext2fs.JournalParams) error {
	f.journalParams = &p
	if f.journalErr != nil {
		return f.journalErr
	}
	f.sb.JournalInum = ext2fs.JournalInode
	f.sb.FeatureCompat |= ext2fs.CompatHasJournal
	return nil
}

func (f *fakeVolume) AddJournalDevice(path string) error {
	f.journalDevices = append(f.journalDevices, path)
	if f.journalErr != nil {
		return f.journalErr
	}
	f.sb.JournalInum = 0
	f.sb.JournalDev = ext2fs.EncodeDevice(8, 17)
	f.sb.FeatureCompat |= ext2fs.CompatHasJournal
	return nil
}

func (f *fakeVolume) Flush(opts ext2fs.FlushOptions) error {
	f.flushes = append(f.flushes, opts)
	return nil
}

type fakeProber struct {
	info     mount.Info
	queryErr error
	inUse    map[string]error
	checked  []string
}

func (p *fakeProber) Query(string) (mount.Info, error) {
	return p.info, p.queryErr
}

func (p *fakeProber) CheckNotInUse(device string) error {
	p.checked = append(p.checked, device)
	return p.inUse[device]
}

type fakeUUIDs struct {
	time, random uuid.UUID
}

func (f fakeUUIDs) NewTime() (uuid.UUID, error) {
	return f.time, nil
}

func (f fakeUUIDs) NewRandom() (uuid.UUID, error) {
	return f.random, nil
}

type fakeUndo struct {
	images [][]byte
	err    error
}

func (u *fakeUndo) Record(ctx context.Context, device string, image []byte) (*undo.Record, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.images = append(u.images, image)
	return &undo.Record{ID: "rec-1", Device: device, Digest: digest.FromBytes(image), Image: image}, nil
}

var errDisk = errors.New("disk on fire")
