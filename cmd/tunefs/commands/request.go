package commands

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/maxdollinger/tunefs/internal/tune"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// tuneFlags holds the raw values of the tuning flags. Which of them the
// user actually passed is read back from the flag set.
type tuneFlags struct {
	maxMountCount  int
	mountCount     int
	errorBehavior  string
	group          string
	interval       string
	journal        bool
	journalOptions string
	list           bool
	label          string
	reservedRatio  uint32
	lastMounted    string
	features       string
	reservedBlocks uint64
	sparse         string
	user           string
	uuid           string
}

func (f *tuneFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVarP(&f.maxMountCount, "max-mount-count", "c", 0, "maximal mount count between checks (-1 disables)")
	fl.IntVarP(&f.mountCount, "mount-count", "C", 0, "current mount count")
	fl.StringVarP(&f.errorBehavior, "errors", "e", "", "error behaviour: continue, remount-ro or panic")
	fl.StringVarP(&f.group, "group", "g", "", "group (name or gid) allowed to use reserved blocks")
	fl.StringVarP(&f.interval, "interval", "i", "", "interval between checks, e.g. 30d, 2w, 6m, 3600s")
	fl.BoolVarP(&f.journal, "journal", "j", false, "add a journal")
	fl.StringVarP(&f.journalOptions, "journal-options", "J", "", "journal options: size=MiB, device=PATH, v1_superblock")
	fl.BoolVarP(&f.list, "list", "l", false, "list superblock contents")
	fl.StringVarP(&f.label, "label", "L", "", "volume label")
	fl.Uint32VarP(&f.reservedRatio, "reserved-percent", "m", 0, "percentage of blocks reserved for the super-user")
	fl.StringVarP(&f.lastMounted, "last-mounted", "M", "", "last mounted directory")
	fl.StringVarP(&f.features, "features", "O", "", "features to set or clear (^feature)")
	fl.Uint64VarP(&f.reservedBlocks, "reserved-blocks", "r", 0, "number of reserved blocks")
	fl.StringVarP(&f.sparse, "sparse", "s", "", "sparse superblocks: 1 to enable, 0 to disable")
	fl.StringVarP(&f.user, "user", "u", "", "user (name or uid) allowed to use reserved blocks")
	fl.StringVarP(&f.uuid, "uuid", "U", "", "UUID: null, random, time or a literal UUID")
}

// request translates the flags that were set into a tune.Request.
func (f *tuneFlags) request(fs *pflag.FlagSet) (*tune.Request, error) {
	req := &tune.Request{}
	set := fs.Changed

	if set("max-mount-count") {
		req.MaxMountCount = &f.maxMountCount
	}
	if set("mount-count") {
		req.MountCount = &f.mountCount
	}
	if set("errors") {
		v, err := tune.ParseErrorBehavior(f.errorBehavior)
		if err != nil {
			return nil, err
		}
		req.ErrorBehavior = &v
	}
	if set("group") {
		gid, err := resolveGroup(f.group)
		if err != nil {
			return nil, err
		}
		req.ReservedGID = &gid
	}
	if set("interval") {
		v, err := tune.ParseInterval(f.interval)
		if err != nil {
			return nil, err
		}
		req.CheckInterval = &v
	}
	if set("journal-options") {
		opts, err := tune.ParseJournalOptions(f.journalOptions)
		if err != nil {
			return nil, err
		}
		req.Journal = opts
	} else if f.journal {
		req.Journal = &tune.JournalOptions{}
	}
	if set("label") {
		req.Label = &f.label
	}
	if set("reserved-percent") {
		req.ReservedRatio = &f.reservedRatio
	}
	if set("last-mounted") {
		req.LastMounted = &f.lastMounted
	}
	if set("features") {
		req.Features = &f.features
	}
	if set("reserved-blocks") {
		req.ReservedBlocks = &f.reservedBlocks
	}
	if set("sparse") {
		var on bool
		switch f.sparse {
		case "1":
			on = true
		case "0":
		default:
			return nil, fmt.Errorf("%w: sparse must be 0 or 1, got %q", tune.ErrInvalidRequest, f.sparse)
		}
		req.Sparse = &on
	}
	if set("user") {
		uid, err := resolveUser(f.user)
		if err != nil {
			return nil, err
		}
		req.ReservedUID = &uid
	}
	if set("uuid") {
		req.UUID = &f.uuid
	}

	return req, nil
}

func resolveGroup(s string) (uint32, error) {
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(id), nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad gid/group name %q", tune.ErrInvalidRequest, s)
	}
	return parseID(g.Gid)
}

func resolveUser(s string) (uint32, error) {
	if id, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(id), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad uid/user name %q", tune.ErrInvalidRequest, s)
	}
	return parseID(u.Uid)
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: non-numeric id %q", tune.ErrInvalidRequest, s)
	}
	return uint32(id), nil
}
