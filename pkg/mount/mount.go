// Package mount answers whether a block device or image is currently
// mounted, by scanning the host mount table.
package mount

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	DefaultMountsFile = "/proc/mounts"
	DefaultSysfsRoot  = "/sys"
)

var (
	// ErrProbe means the mount table could not be read or parsed. Callers
	// must treat it as fatal rather than assume the device is unmounted.
	ErrProbe = errors.New("cannot determine mount state")
	ErrInUse = errors.New("device is in use")
)

type State int

const (
	Unmounted State = iota
	MountedReadOnly
	MountedReadWrite
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case MountedReadOnly:
		return "mounted read-only"
	case MountedReadWrite:
		return "mounted read-write"
	default:
		return "unknown"
	}
}

// Mounted reports whether the device is mounted in either mode.
func (s State) Mounted() bool {
	return s != Unmounted
}

// Entry is one line of the mount table.
type Entry struct {
	Source     string
	MountPoint string
	FSType     string
	Options    []string
}

// ReadOnly reports whether the entry was mounted with the "ro" option.
func (e Entry) ReadOnly() bool {
	return slices.Contains(e.Options, "ro")
}

// Info is the result of a mount query.
type Info struct {
	State      State
	MountPoint string
}

// ParseMounts reads a mount table in /proc/mounts format.
func ParseMounts(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: invalid mount table line %q", ErrProbe, line)
		}

		entries = append(entries, Entry{
			Source:     unescape(parts[0]),
			MountPoint: unescape(parts[1]),
			FSType:     parts[2],
			Options:    strings.Split(parts[3], ","),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbe, err)
	}

	return entries, nil
}

// unescape decodes the \NNN octal escapes the kernel uses for spaces, tabs
// and backslashes in mount table fields.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Prober queries mount state. The table is re-read on every call.
type Prober struct {
	mountsFile string
	sysfsRoot  string
	logger     *slog.Logger
}

type Option func(*Prober)

// WithMountsFile reads the mount table from path instead of /proc/mounts.
func WithMountsFile(path string) Option {
	return func(p *Prober) {
		p.mountsFile = path
	}
}

// WithSysfsRoot looks up loop device backing files under root instead of
// /sys.
func WithSysfsRoot(root string) Option {
	return func(p *Prober) {
		p.sysfsRoot = root
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

func NewProber(opts ...Option) *Prober {
	p := &Prober{
		mountsFile: DefaultMountsFile,
		sysfsRoot:  DefaultSysfsRoot,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Query reports whether device is mounted and where. A device mounted more
// than once is reported read-write if any of its mounts is writable.
func (p *Prober) Query(device string) (Info, error) {
	f, err := os.Open(p.mountsFile)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrProbe, err)
	}
	defer f.Close()

	entries, err := ParseMounts(f)
	if err != nil {
		return Info{}, err
	}

	target, err := filepath.EvalSymlinks(device)
	if err != nil {
		return Info{}, fmt.Errorf("%w: resolving %s: %v", ErrProbe, device, err)
	}
	targetInfo, err := os.Stat(target)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrProbe, err)
	}

	info := Info{State: Unmounted}
	for _, e := range entries {
		if !p.matches(e, target, targetInfo) {
			continue
		}

		state := MountedReadWrite
		if e.ReadOnly() {
			state = MountedReadOnly
		}
		if state > info.State {
			info = Info{State: state, MountPoint: e.MountPoint}
		}
	}

	p.logger.Debug("queried mount state", "device", device, "state", info.State, "mount_point", info.MountPoint)

	return info, nil
}

func (p *Prober) matches(e Entry, target string, targetInfo os.FileInfo) bool {
	if !filepath.IsAbs(e.Source) {
		return false
	}
	if e.Source == "/dev/root" {
		return rootDeviceMatches(e.MountPoint, targetInfo)
	}
	if backing, ok := p.loopBackingFile(e.Source); ok && sameFile(backing, target, targetInfo) {
		return true
	}

	src, err := filepath.EvalSymlinks(e.Source)
	if err != nil {
		return false
	}
	if src == target {
		return true
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return false
	}
	return os.SameFile(srcInfo, targetInfo) || sameDeviceNumber(srcInfo, targetInfo)
}

// loopBackingFile returns the file attached to a loop device source, as
// published in sysfs.
func (p *Prober) loopBackingFile(source string) (string, bool) {
	name := filepath.Base(source)
	if filepath.Dir(source) != "/dev" || !strings.HasPrefix(name, "loop") {
		return "", false
	}

	raw, err := os.ReadFile(filepath.Join(p.sysfsRoot, "block", name, "loop", "backing_file"))
	if err != nil {
		return "", false
	}
	backing := strings.TrimSpace(string(raw))
	// The kernel appends " (deleted)" once the backing file is unlinked.
	if strings.HasSuffix(backing, " (deleted)") {
		return "", false
	}
	return backing, backing != ""
}

func sameFile(path, target string, targetInfo os.FileInfo) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	if resolved == target {
		return true
	}
	fi, err := os.Stat(resolved)
	return err == nil && os.SameFile(fi, targetInfo)
}

// CheckNotInUse fails with ErrInUse when device is mounted or, for block
// devices, held open exclusively by someone else.
func (p *Prober) CheckNotInUse(device string) error {
	info, err := p.Query(device)
	if err != nil {
		return err
	}
	if info.State.Mounted() {
		return fmt.Errorf("%w: %s is %s on %s", ErrInUse, device, info.State, info.MountPoint)
	}

	return checkExclusive(device)
}
