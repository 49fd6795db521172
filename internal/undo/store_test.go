package undo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "undo", "undo.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.Record(ctx, "/dev/sdz1", []byte("before-1"))
	require.NoError(t, err)
	second, err := s.Record(ctx, "/dev/sdz1", []byte("before-2"))
	require.NoError(t, err)
	_, err = s.Record(ctx, "/dev/sdz2", []byte("other"))
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "/dev/sdz1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, []byte("before-2"), latest.Image)
	assert.NoError(t, latest.Verify())

	all, err := s.List(ctx, "/dev/sdz1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	require.NoError(t, s.Delete(ctx, second.ID))
	latest, err = s.Latest(ctx, "/dev/sdz1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

func TestLatestWithoutRecord(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Latest(context.Background(), "/dev/none")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestRelativeDevicePath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	abs, err := filepath.Abs("disk.img")
	require.NoError(t, err)

	_, err = s.Record(ctx, "./disk.img", []byte("image"))
	require.NoError(t, err)

	rec, err := s.Latest(ctx, abs)
	require.NoError(t, err)
	assert.Equal(t, abs, rec.Device)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Record(context.Background(), "/dev/sdz1", []byte("original"))
	require.NoError(t, err)

	rec.Image = []byte("tampered")
	assert.ErrorIs(t, rec.Verify(), ErrDigestMismatch)

	rec.Digest = "not-a-digest"
	assert.ErrorIs(t, rec.Verify(), ErrDigestMismatch)
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "undo.db")

	s, err := Open(ctx, path, nil)
	require.NoError(t, err)
	rec, err := s.Record(ctx, "/dev/sdz1", []byte("before"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version))
	assert.Equal(t, 1, version)

	latest, err := s.Latest(ctx, "/dev/sdz1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, latest.ID)
}
