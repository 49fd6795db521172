package mount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeMounts(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mounts")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("writing mount table: %v", err)
	}
	return path
}

func newImage(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("creating image: %v", err)
	}
	return path
}

func TestParseMounts(t *testing.T) {
	input := "proc /proc proc rw,nosuid 0 0\n" +
		"\n" +
		`/dev/sda1 /mnt/with\040space ext3 ro,relatime 0 0` + "\n"

	entries, err := ParseMounts(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	e := entries[1]
	if e.MountPoint != "/mnt/with space" {
		t.Errorf("escape not decoded: %q", e.MountPoint)
	}
	if e.FSType != "ext3" || !e.ReadOnly() {
		t.Errorf("unexpected entry %+v", e)
	}
	if entries[0].ReadOnly() {
		t.Error("rw mount reported read-only")
	}
}

func TestParseMountsMalformed(t *testing.T) {
	_, err := ParseMounts(strings.NewReader("/dev/sda1 /mnt\n"))
	if !errors.Is(err, ErrProbe) {
		t.Fatalf("expected ErrProbe, got %v", err)
	}
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, "plain"},
		{`a\040b`, "a b"},
		{`tab\011x`, "tab\tx"},
		{`back\134slash`, `back\slash`},
		{`trailing\04`, `trailing\04`},
		{`bad\999`, `bad\999`},
	}

	for _, tt := range tests {
		if got := unescape(tt.in); got != tt.want {
			t.Errorf("unescape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuery(t *testing.T) {
	image := newImage(t, "volume.img")
	link := filepath.Join(t.TempDir(), "volume-link")
	if err := os.Symlink(image, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name      string
		lines     []string
		device    string
		wantState State
		wantMount string
	}{
		{
			name:      "not listed",
			lines:     []string{"proc /proc proc rw 0 0"},
			device:    image,
			wantState: Unmounted,
		},
		{
			name:      "read-write",
			lines:     []string{fmt.Sprintf("%s /mnt/data ext3 rw,relatime 0 0", image)},
			device:    image,
			wantState: MountedReadWrite,
			wantMount: "/mnt/data",
		},
		{
			name:      "read-only",
			lines:     []string{fmt.Sprintf("%s /mnt/data ext2 ro 0 0", image)},
			device:    image,
			wantState: MountedReadOnly,
			wantMount: "/mnt/data",
		},
		{
			name:      "queried through a symlink",
			lines:     []string{fmt.Sprintf("%s /mnt/data ext2 rw 0 0", image)},
			device:    link,
			wantState: MountedReadWrite,
			wantMount: "/mnt/data",
		},
		{
			name:      "listed through a symlink",
			lines:     []string{fmt.Sprintf("%s /mnt/data ext2 ro 0 0", link)},
			device:    image,
			wantState: MountedReadOnly,
			wantMount: "/mnt/data",
		},
		{
			name: "writable mount wins",
			lines: []string{
				fmt.Sprintf("%s /mnt/a ext2 ro 0 0", image),
				fmt.Sprintf("%s /mnt/b ext2 rw 0 0", image),
			},
			device:    image,
			wantState: MountedReadWrite,
			wantMount: "/mnt/b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProber(WithMountsFile(writeMounts(t, tt.lines...)))

			info, err := p.Query(tt.device)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if info.State != tt.wantState {
				t.Errorf("state: got %v, want %v", info.State, tt.wantState)
			}
			if info.MountPoint != tt.wantMount {
				t.Errorf("mount point: got %q, want %q", info.MountPoint, tt.wantMount)
			}
		})
	}
}

func writeLoopBacking(t *testing.T, root, loop, backing string) {
	t.Helper()

	dir := filepath.Join(root, "block", loop, "loop")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating sysfs dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "backing_file"), []byte(backing+"\n"), 0o644); err != nil {
		t.Fatalf("writing backing_file: %v", err)
	}
}

func TestQueryLoopDevice(t *testing.T) {
	image := newImage(t, "volume.img")
	other := newImage(t, "other.img")
	sysfs := t.TempDir()
	writeLoopBacking(t, sysfs, "loop90", image)
	writeLoopBacking(t, sysfs, "loop91", other)
	writeLoopBacking(t, sysfs, "loop92", image+" (deleted)")

	tests := []struct {
		name      string
		line      string
		wantState State
	}{
		{name: "attached image", line: "/dev/loop90 /mnt/data ext3 rw 0 0", wantState: MountedReadWrite},
		{name: "attached read-only", line: "/dev/loop90 /mnt/data ext3 ro 0 0", wantState: MountedReadOnly},
		{name: "other image", line: "/dev/loop91 /mnt/data ext3 rw 0 0", wantState: Unmounted},
		{name: "deleted backing file", line: "/dev/loop92 /mnt/data ext3 rw 0 0", wantState: Unmounted},
		{name: "no sysfs entry", line: "/dev/loop93 /mnt/data ext3 rw 0 0", wantState: Unmounted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProber(
				WithMountsFile(writeMounts(t, tt.line)),
				WithSysfsRoot(sysfs))

			info, err := p.Query(image)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if info.State != tt.wantState {
				t.Errorf("state: got %v, want %v", info.State, tt.wantState)
			}
		})
	}
}

func TestQueryMountTableErrors(t *testing.T) {
	image := newImage(t, "volume.img")

	t.Run("missing mount table", func(t *testing.T) {
		p := NewProber(WithMountsFile(filepath.Join(t.TempDir(), "absent")))
		if _, err := p.Query(image); !errors.Is(err, ErrProbe) {
			t.Fatalf("expected ErrProbe, got %v", err)
		}
	})

	t.Run("malformed mount table", func(t *testing.T) {
		p := NewProber(WithMountsFile(writeMounts(t, "garbage")))
		if _, err := p.Query(image); !errors.Is(err, ErrProbe) {
			t.Fatalf("expected ErrProbe, got %v", err)
		}
	})
}

func TestCheckNotInUse(t *testing.T) {
	image := newImage(t, "journal.img")

	free := NewProber(WithMountsFile(writeMounts(t, "proc /proc proc rw 0 0")))
	if err := free.CheckNotInUse(image); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	busy := NewProber(WithMountsFile(writeMounts(t, fmt.Sprintf("%s /mnt/j ext2 ro 0 0", image))))
	if err := busy.CheckNotInUse(image); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
}
