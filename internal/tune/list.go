package tune

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/olekukonko/tablewriter"
)

// List prints the superblock as a two column table.
func List(w io.Writer, sb *ext2fs.Superblock) error {
	table := tablewriter.NewWriter(w)

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.AppendBulk(superblockRows(sb))
	table.Render()
	return nil
}

func superblockRows(sb *ext2fs.Superblock) [][]string {
	num := func(n uint64) string { return strconv.FormatUint(n, 10) }

	label := ext2fs.CString(sb.VolumeName[:])
	if label == "" {
		label = "<none>"
	}
	lastMounted := ext2fs.CString(sb.LastMounted[:])
	if lastMounted == "" {
		lastMounted = "<not available>"
	}

	rows := [][]string{
		{"Filesystem volume name:", label},
		{"Last mounted on:", lastMounted},
		{"Filesystem UUID:", uuid.UUID(sb.UUID).String()},
		{"Filesystem magic number:", fmt.Sprintf("0x%04X", sb.Magic)},
		{"Filesystem revision #:", revisionName(sb.RevLevel)},
		{"Filesystem features:", featuresOf(sb).String()},
		{"Filesystem state:", stateName(sb.State)},
		{"Errors behavior:", errorBehaviorName(sb.Errors)},
		{"Inode count:", num(uint64(sb.InodesCount))},
		{"Block count:", num(sb.BlocksCount())},
		{"Reserved block count:", num(sb.ReservedBlocks())},
		{"Free blocks:", num(sb.FreeBlocks())},
		{"Free inodes:", num(uint64(sb.FreeInodesCount))},
		{"First block:", num(uint64(sb.FirstDataBlock))},
		{"Block size:", num(uint64(sb.BlockSize()))},
		{"Blocks per group:", num(uint64(sb.BlocksPerGroup))},
		{"Inodes per group:", num(uint64(sb.InodesPerGroup))},
		{"Mount count:", num(uint64(sb.MntCount))},
		{"Maximum mount count:", strconv.Itoa(int(sb.MaxMntCount))},
		{"Last checked:", timestamp(sb.LastCheck)},
		{"Check interval:", checkInterval(sb.CheckInterval)},
		{"Reserved blocks uid:", num(uint64(sb.DefResUID))},
		{"Reserved blocks gid:", num(uint64(sb.DefResGID))},
	}

	if sb.RevLevel >= ext2fs.DynamicRev {
		rows = append(rows,
			[]string{"First inode:", num(uint64(sb.FirstIno))},
			[]string{"Inode size:", num(uint64(sb.InodeSize))},
		)
	}

	if sb.FeatureCompat&ext2fs.CompatHasJournal != 0 {
		if sb.JournalInum != 0 {
			rows = append(rows, []string{"Journal inode:", num(uint64(sb.JournalInum))})
		} else {
			rows = append(rows,
				[]string{"Journal UUID:", uuid.UUID(sb.JournalUUID).String()},
				[]string{"Journal device:", fmt.Sprintf("0x%04x", sb.JournalDev)},
			)
		}
	}

	return rows
}

func revisionName(rev uint32) string {
	switch rev {
	case ext2fs.GoodOldRev:
		return "0 (original)"
	case ext2fs.DynamicRev:
		return "1 (dynamic)"
	default:
		return fmt.Sprintf("%d (unknown)", rev)
	}
}

func stateName(state uint16) string {
	s := "not clean"
	if state&ext2fs.StateValid != 0 {
		s = "clean"
	}
	if state&ext2fs.StateErrors != 0 {
		s += " with errors"
	}
	return s
}

func timestamp(t uint32) string {
	if t == 0 {
		return "n/a"
	}
	return time.Unix(int64(t), 0).UTC().Format(time.ANSIC)
}

func checkInterval(seconds uint32) string {
	switch {
	case seconds == 0:
		return "0 (<none>)"
	case seconds%day == 0:
		return fmt.Sprintf("%d (%d days)", seconds, seconds/day)
	default:
		return fmt.Sprintf("%d (%d seconds)", seconds, seconds)
	}
}
