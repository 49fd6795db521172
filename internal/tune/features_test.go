package tune

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeatures(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []FeatureDelta
		wantErr bool
	}{
		{
			name: "set journal",
			in:   "has_journal",
			want: []FeatureDelta{{Category: ext2fs.Compat, Mask: ext2fs.CompatHasJournal}},
		},
		{
			name: "mixed separators and prefixes",
			in:   "^filetype, +sparse_super",
			want: []FeatureDelta{
				{Category: ext2fs.Incompat, Mask: ext2fs.IncompatFiletype, Clear: true},
				{Category: ext2fs.ROCompat, Mask: ext2fs.ROCompatSparseSuper},
			},
		},
		{
			name: "dash and case",
			in:   "-SPARSE_SUPER",
			want: []FeatureDelta{{Category: ext2fs.ROCompat, Mask: ext2fs.ROCompatSparseSuper, Clear: true}},
		},
		{
			name: "numeric form",
			in:   "FEATURE_C2",
			want: []FeatureDelta{{Category: ext2fs.Compat, Mask: ext2fs.CompatHasJournal}},
		},
		{
			name: "none clears the supported set",
			in:   "none",
			want: []FeatureDelta{
				{Category: ext2fs.Compat, Mask: ext2fs.CompatHasJournal, Clear: true},
				{Category: ext2fs.Incompat, Mask: ext2fs.IncompatFiletype, Clear: true},
				{Category: ext2fs.ROCompat, Mask: ext2fs.ROCompatSparseSuper, Clear: true},
			},
		},
		{name: "empty", in: "", want: nil},
		{name: "unknown name", in: "filetype,bogus", wantErr: true},
		{name: "known but not editable", in: "extents", wantErr: true},
		{name: "bare prefix", in: "^", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeatures(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownFeature)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func planFeatures(t *testing.T, sb *ext2fs.Superblock, state mount.State, features string, jopts *JournalOptions) (*FeatureResult, error) {
	t.Helper()

	deltas, err := ParseFeatures(features)
	require.NoError(t, err)
	return PlanFeatures(sb, state, deltas, jopts)
}

func TestPlanFeaturesJournalClearGuard(t *testing.T) {
	tests := []struct {
		name     string
		state    mount.State
		recovery bool
		wantErr  error
	}{
		{name: "unmounted", state: mount.Unmounted},
		{name: "mounted read-only", state: mount.MountedReadOnly},
		{name: "mounted read-write", state: mount.MountedReadWrite, wantErr: ErrJournalClearForbidden},
		{name: "recovery pending", state: mount.Unmounted, recovery: true, wantErr: ErrRecoveryPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSuperblock()
			sb.FeatureCompat |= ext2fs.CompatHasJournal
			if tt.recovery {
				sb.FeatureIncompat |= ext2fs.IncompatRecover
			}
			before := *sb

			res, err := planFeatures(t, sb, tt.state, "^has_journal", nil)
			assert.Equal(t, before, *sb, "planning must not touch the superblock")

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, Rejected, res.Compat)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.JournalCleared)
			assert.True(t, res.JournalChanged)
			assert.True(t, res.NeedsCheck)
			assert.Equal(t, Applied, res.Compat)
			assert.False(t, res.New.Has(ext2fs.Compat, ext2fs.CompatHasJournal))
		})
	}
}

func TestPlanFeaturesDefersJournal(t *testing.T) {
	t.Run("default size", func(t *testing.T) {
		res, err := planFeatures(t, newTestSuperblock(), mount.Unmounted, "has_journal", nil)
		require.NoError(t, err)

		assert.True(t, res.JournalDeferred)
		assert.Equal(t, Deferred, res.Compat)
		assert.False(t, res.New.Has(ext2fs.Compat, ext2fs.CompatHasJournal))
		assert.False(t, res.JournalChanged)
		assert.False(t, res.NeedsCheck)
		require.NotNil(t, res.Journal)
		assert.Equal(t, DefaultJournalSizeMiB, res.Journal.SizeMiB)
	})

	t.Run("caller options", func(t *testing.T) {
		opts := &JournalOptions{Device: "/dev/sdb1"}
		res, err := planFeatures(t, newTestSuperblock(), mount.Unmounted, "has_journal", opts)
		require.NoError(t, err)
		assert.Same(t, opts, res.Journal)
	})

	t.Run("already journaled", func(t *testing.T) {
		sb := newTestSuperblock()
		sb.FeatureCompat |= ext2fs.CompatHasJournal

		res, err := planFeatures(t, sb, mount.MountedReadWrite, "has_journal", nil)
		require.NoError(t, err)
		assert.False(t, res.JournalDeferred)
		assert.Equal(t, Unchanged, res.Compat)
	})
}

func TestPlanFeaturesNeedsCheck(t *testing.T) {
	tests := []struct {
		name          string
		features      string
		wantCheck     bool
		sparseCleared bool
		wantIncompat  Transition
		wantROCompat  Transition
	}{
		{name: "redundant set", features: "filetype,sparse_super", wantIncompat: Unchanged, wantROCompat: Unchanged},
		{name: "filetype cleared", features: "^filetype", wantCheck: true, wantIncompat: Applied, wantROCompat: Unchanged},
		{name: "sparse cleared", features: "^sparse_super", wantCheck: true, sparseCleared: true, wantIncompat: Unchanged, wantROCompat: Applied},
		{name: "set then cleared", features: "^filetype,filetype", wantIncompat: Unchanged, wantROCompat: Unchanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := planFeatures(t, newTestSuperblock(), mount.MountedReadWrite, tt.features, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantCheck, res.NeedsCheck)
			assert.Equal(t, tt.sparseCleared, res.SparseCleared())
			assert.Equal(t, tt.wantIncompat, res.Incompat)
			assert.Equal(t, tt.wantROCompat, res.ROCompat)
		})
	}
}

func TestPlanFeaturesNewSets(t *testing.T) {
	const (
		j = ext2fs.CompatHasJournal
		f = ext2fs.IncompatFiletype
		s = ext2fs.ROCompatSparseSuper
	)

	tests := []struct {
		features string
		want     FeatureSet
	}{
		{features: "none", want: FeatureSet{}},
		{features: "^sparse_super", want: FeatureSet{Compat: j, Incompat: f}},
		{features: "-filetype,+sparse_super", want: FeatureSet{Compat: j, ROCompat: s}},
		{features: "has_journal filetype", want: FeatureSet{Compat: j, Incompat: f, ROCompat: s}},
	}

	for _, tt := range tests {
		t.Run(tt.features, func(t *testing.T) {
			sb := newTestSuperblock()
			sb.FeatureCompat = j
			sb.FeatureIncompat = f
			sb.FeatureROCompat = s
			sb.JournalInum = ext2fs.JournalInode

			res, err := planFeatures(t, sb, mount.Unmounted, tt.features, nil)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, res.New); diff != "" {
				t.Errorf("new feature set mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanFeaturesRevisionUpgrade(t *testing.T) {
	sb := newTestSuperblock()
	sb.RevLevel = ext2fs.GoodOldRev
	sb.FeatureIncompat = 0
	sb.FeatureROCompat = 0

	res, err := planFeatures(t, sb, mount.Unmounted, "sparse_super", nil)
	require.NoError(t, err)
	assert.True(t, res.UpgradeRevision)

	res, err = planFeatures(t, sb, mount.Unmounted, "^filetype", nil)
	require.NoError(t, err)
	assert.False(t, res.UpgradeRevision, "no bits set, no upgrade")
}

func TestCommitFeaturesClearsImmutableFirst(t *testing.T) {
	vol := newFakeVolume().withJournal()

	res, err := planFeatures(t, vol.sb, mount.Unmounted, "^has_journal", nil)
	require.NoError(t, err)

	var scope Scope
	require.NoError(t, commitFeatures(vol, res, &scope))

	assert.Equal(t, 1, vol.inodeWrites)
	assert.NotZero(t, vol.compatAtInodeWrite&ext2fs.CompatHasJournal, "has_journal cleared before the inode was updated")
	assert.Zero(t, vol.inodes[ext2fs.JournalInode].Flags&ext2fs.InodeFlagImmutable)
	assert.NotZero(t, vol.inodes[ext2fs.JournalInode].Flags&ext2fs.InodeFlagNoDump)
	assert.Zero(t, vol.sb.FeatureCompat&ext2fs.CompatHasJournal)
	assert.Zero(t, vol.sb.State&ext2fs.StateValid)
	assert.Equal(t, PrimaryOnly, scope.Copies)
}

func TestCommitFeaturesInodeFailure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeVolume)
	}{
		{name: "read", mutate: func(f *fakeVolume) { f.readErr = errDisk }},
		{name: "write", mutate: func(f *fakeVolume) { f.writeErr = errDisk }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol := newFakeVolume().withJournal()
			tt.mutate(vol)

			res, err := planFeatures(t, vol.sb, mount.Unmounted, "^has_journal", nil)
			require.NoError(t, err)

			var scope Scope
			err = commitFeatures(vol, res, &scope)
			require.ErrorIs(t, err, ErrJournalInodeUpdate)
			assert.NotZero(t, vol.sb.FeatureCompat&ext2fs.CompatHasJournal)
			assert.NotZero(t, vol.sb.State&ext2fs.StateValid)
		})
	}
}

func TestCommitFeaturesSparseScope(t *testing.T) {
	vol := newFakeVolume()

	res, err := planFeatures(t, vol.sb, mount.Unmounted, "^sparse_super", nil)
	require.NoError(t, err)

	var scope Scope
	require.NoError(t, commitFeatures(vol, res, &scope))
	assert.Equal(t, AllCopies, scope.Copies)
	assert.Zero(t, vol.inodeWrites)
}
