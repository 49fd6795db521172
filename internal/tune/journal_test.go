package tune

import (
	"testing"

	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionerPlanSizeLimits(t *testing.T) {
	tests := []struct {
		name         string
		logBlockSize uint32
		sizeMiB      int
		wantBlocks   uint32
		wantErr      bool
	}{
		{name: "smallest 1k", sizeMiB: 1, wantBlocks: ext2fs.MinJournalBlocks},
		{name: "largest 1k", sizeMiB: 100, wantBlocks: ext2fs.MaxJournalBlocks},
		{name: "above largest 1k", sizeMiB: 101, wantErr: true},
		{name: "below smallest 4k", logBlockSize: 2, sizeMiB: 3, wantErr: true},
		{name: "largest 4k", logBlockSize: 2, sizeMiB: 400, wantBlocks: ext2fs.MaxJournalBlocks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSuperblock()
			sb.LogBlockSize = tt.logBlockSize

			p := NewProvisioner(&fakeProber{}, DefaultJournalSizeMiB, nil)
			plan, err := p.Plan(sb, &JournalOptions{SizeMiB: tt.sizeMiB})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrJournalSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBlocks, plan.Blocks)
		})
	}
}
