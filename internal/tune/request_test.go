package tune

import (
	"testing"

	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{in: "30", want: 30 * day},
		{in: "30d", want: 30 * day},
		{in: "2w", want: 14 * day},
		{in: "6m", want: 180 * day},
		{in: "3600s", want: 3600},
		{in: "0", want: 0},
		{in: "365d", want: MaxCheckInterval},
		{in: "366d", wantErr: true},
		{in: "13m", wantErr: true},
		{in: "d", wantErr: true},
		{in: "5y", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrorBehavior(t *testing.T) {
	tests := map[string]uint16{
		"continue":          ext2fs.ErrorsContinue,
		"remount-ro":        ext2fs.ErrorsRO,
		"remount-read-only": ext2fs.ErrorsRO,
		"PANIC":             ext2fs.ErrorsPanic,
	}
	for in, want := range tests {
		got, err := ParseErrorBehavior(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseErrorBehavior("explode")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseJournalOptions(t *testing.T) {
	tests := []struct {
		in      string
		want    *JournalOptions
		wantErr bool
	}{
		{in: "", want: &JournalOptions{}},
		{in: "size=64", want: &JournalOptions{SizeMiB: 64}},
		{in: "device=/dev/sdb1", want: &JournalOptions{Device: "/dev/sdb1"}},
		{in: "size=32,v1_superblock", want: &JournalOptions{SizeMiB: 32, V1Superblock: true}},
		{in: "size=", wantErr: true},
		{in: "size=0", wantErr: true},
		{in: "size=big", wantErr: true},
		{in: "device", wantErr: true},
		{in: "v1_superblock=yes", wantErr: true},
		{in: "stride=4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseJournalOptions(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "empty", req: Request{}},
		{name: "limits", req: Request{
			MaxMountCount: ptr(16000),
			MountCount:    ptr(0),
			ErrorBehavior: ptr(uint16(ext2fs.ErrorsPanic)),
			CheckInterval: ptr(uint32(MaxCheckInterval)),
			ReservedRatio: ptr(uint32(0)),
			ReservedUID:   ptr(uint32(65535)),
		}},
		{name: "disable mount count checks", req: Request{MaxMountCount: ptr(-1)}},
		{name: "max mount count", req: Request{MaxMountCount: ptr(16001)}, wantErr: true},
		{name: "negative mount count", req: Request{MountCount: ptr(-1)}, wantErr: true},
		{name: "error behavior", req: Request{ErrorBehavior: ptr(uint16(4))}, wantErr: true},
		{name: "interval", req: Request{CheckInterval: ptr(uint32(MaxCheckInterval + 1))}, wantErr: true},
		{name: "ratio", req: Request{ReservedRatio: ptr(uint32(51))}, wantErr: true},
		{name: "gid", req: Request{ReservedGID: ptr(uint32(70000))}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestEmpty(t *testing.T) {
	assert.True(t, (&Request{}).Empty())
	assert.False(t, (&Request{Label: ptr("")}).Empty())
}
