package tune

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imageBlocksPerGroup = 8192

func newImage(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "volume.img")
	err := ext2fs.Format(path, ext2fs.FormatOptions{
		Blocks:          8 * imageBlocksPerGroup,
		BlockSize:       1024,
		BlocksPerGroup:  imageBlocksPerGroup,
		FeatureIncompat: ext2fs.IncompatFiletype,
		FeatureROCompat: ext2fs.ROCompatSparseSuper,
		UUID:            testUUID,
		Label:           "scratch",
	})
	require.NoError(t, err)
	return path
}

func mountTable(t *testing.T, lines ...string) *mount.Prober {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mounts")
	content := "proc /proc proc rw 0 0\n"
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return mount.NewProber(mount.WithMountsFile(path))
}

func openImage(t *testing.T, path string) *ext2fs.Volume {
	t.Helper()

	v, err := ext2fs.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func backupSuperblock(t *testing.T, path string, group uint32) *ext2fs.Superblock {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	raw := make([]byte, ext2fs.SuperblockSize)
	_, err = f.ReadAt(raw, int64(1+group*imageBlocksPerGroup)*1024)
	require.NoError(t, err)

	sb := &ext2fs.Superblock{}
	require.NoError(t, sb.UnmarshalBinary(raw))
	return sb
}

func TestImageJournalLifecycle(t *testing.T) {
	path := newImage(t)
	prober := mountTable(t)

	v := openImage(t, path)
	res, err := NewSession(v, prober).Run(context.Background(), &Request{Features: ptr("has_journal")})
	require.NoError(t, err)
	assert.True(t, res.Scope.Descriptors)
	require.NoError(t, v.Close())

	v = openImage(t, path)
	sb := v.Superblock()
	require.NotZero(t, sb.FeatureCompat&ext2fs.CompatHasJournal)
	require.Equal(t, uint32(ext2fs.JournalInode), sb.JournalInum)

	inode, err := v.ReadInode(ext2fs.JournalInode)
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<20), inode.Size)

	inode.Flags |= ext2fs.InodeFlagImmutable
	require.NoError(t, v.WriteInode(ext2fs.JournalInode, inode))

	_, err = NewSession(v, prober).Run(context.Background(), &Request{Features: ptr("^has_journal")})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v = openImage(t, path)
	sb = v.Superblock()
	assert.Zero(t, sb.FeatureCompat&ext2fs.CompatHasJournal)
	assert.Zero(t, sb.State&ext2fs.StateValid)

	inode, err = v.ReadInode(ext2fs.JournalInode)
	require.NoError(t, err)
	assert.Zero(t, inode.Flags&ext2fs.InodeFlagImmutable)
}

func TestImageJournalReAddAfterClear(t *testing.T) {
	path := newImage(t)
	prober := mountTable(t)
	ctx := context.Background()

	v := openImage(t, path)
	_, err := NewSession(v, prober).Run(ctx, &Request{Journal: &JournalOptions{SizeMiB: 2}})
	require.NoError(t, err)
	_, err = NewSession(v, prober).Run(ctx, &Request{Features: ptr("^has_journal")})
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v = openImage(t, path)
	free := v.Superblock().FreeBlocks()

	_, err = NewSession(v, prober).Run(ctx, &Request{Journal: &JournalOptions{}})
	require.ErrorIs(t, err, ErrJournalCreate)
	require.ErrorIs(t, err, ext2fs.ErrJournalExists)
	require.NoError(t, v.Close())

	v = openImage(t, path)
	assert.Zero(t, v.Superblock().FeatureCompat&ext2fs.CompatHasJournal)
	assert.Equal(t, free, v.Superblock().FreeBlocks())
}

func TestImageJournalClearWhileMounted(t *testing.T) {
	path := newImage(t)

	v := openImage(t, path)
	require.NoError(t, v.AddJournalInode(ext2fs.JournalParams{Blocks: 1024}))
	require.NoError(t, v.Flush(ext2fs.FlushOptions{Descriptors: true}))

	prober := mountTable(t, fmt.Sprintf("%s /mnt/data ext3 rw,relatime 0 0", path))
	_, err := NewSession(v, prober).Run(context.Background(), &Request{Features: ptr("^has_journal")})
	require.ErrorIs(t, err, ErrJournalClearForbidden)
	require.NoError(t, v.Close())

	v = openImage(t, path)
	assert.NotZero(t, v.Superblock().FeatureCompat&ext2fs.CompatHasJournal)
}

func TestImageWriteBackScope(t *testing.T) {
	t.Run("primary only", func(t *testing.T) {
		path := newImage(t)
		v := openImage(t, path)

		_, err := NewSession(v, mountTable(t)).Run(context.Background(), &Request{Label: ptr("renamed")})
		require.NoError(t, err)

		assert.Equal(t, "renamed", ext2fs.CString(backupSuperblock(t, path, 0).VolumeName[:]))
		assert.Equal(t, "scratch", ext2fs.CString(backupSuperblock(t, path, 1).VolumeName[:]))
	})

	t.Run("sparse clear rewrites every copy", func(t *testing.T) {
		path := newImage(t)
		v := openImage(t, path)

		_, err := NewSession(v, mountTable(t)).Run(context.Background(), &Request{
			Sparse: ptr(false),
			Label:  ptr("dense"),
		})
		require.NoError(t, err)

		for _, g := range []uint32{1, 3, 5, 7} {
			sb := backupSuperblock(t, path, g)
			assert.Equal(t, "dense", ext2fs.CString(sb.VolumeName[:]), "group %d", g)
			assert.Zero(t, sb.FeatureROCompat&ext2fs.ROCompatSparseSuper, "group %d", g)
			assert.Equal(t, uint16(g), sb.BlockGroupNr)
		}
	})
}

func TestImageListing(t *testing.T) {
	path := newImage(t)
	v := openImage(t, path)

	rows := superblockRows(v.Superblock())
	got := make(map[string]string, len(rows))
	for _, r := range rows {
		got[r[0]] = r[1]
	}

	assert.Equal(t, "scratch", got["Filesystem volume name:"])
	assert.Equal(t, "<not available>", got["Last mounted on:"])
	assert.Equal(t, "0xEF53", got["Filesystem magic number:"])
	assert.Equal(t, "filetype sparse_super", got["Filesystem features:"])
	assert.Equal(t, "65536", got["Block count:"])
	assert.Equal(t, "1024", got["Block size:"])
	assert.NotContains(t, got, "Journal inode:")
}
