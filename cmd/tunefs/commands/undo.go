package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxdollinger/tunefs/internal/undo"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/lock"
	"github.com/maxdollinger/tunefs/pkg/mount"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var errUndoDisabled = errors.New("no undo database configured; set undo.path or pass --undo-file")

func newUndoCmd(g *globalOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "undo device",
		Short: "Restore the superblock saved before the last tuning session",
		Long: `Restore the most recent superblock image recorded for device. The image
is checked against its digest and written to the primary superblock and
every backup copy. The record is removed afterwards.

With --list the recorded images are shown instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.load(cmd)
			if err != nil {
				return err
			}
			if e.cfg.Undo.Path == "" {
				return errUndoDisabled
			}

			store, err := undo.Open(cmd.Context(), e.cfg.Undo.Path, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if list {
				return listRecords(cmd, store, args[0])
			}
			return restore(cmd, e, store, args[0])
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list undo records for device")

	return cmd
}

func restore(cmd *cobra.Command, e *env, store *undo.Store, device string) error {
	ctx := cmd.Context()

	prober := mount.NewProber(
		mount.WithMountsFile(e.cfg.MountsFile),
		mount.WithLogger(e.logger))
	info, err := prober.Query(device)
	if err != nil {
		return fmt.Errorf("checking whether %s is mounted: %w", device, err)
	}
	if info.State.Mounted() {
		return fmt.Errorf("%s is %s on %s; unmount it first", device, info.State, info.MountPoint)
	}

	locker, err := lock.NewFileLocker(e.cfg.Lock.Dir, e.logger)
	if err != nil {
		return err
	}
	l, err := locker.AcquireLock(ctx, lock.KeyFor(device))
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			e.logger.Warn("failed to release volume lock", "device", device, "error", err)
		}
	}()

	rec, err := store.Latest(ctx, device)
	if err != nil {
		return err
	}
	if err := rec.Verify(); err != nil {
		return err
	}

	sb := &ext2fs.Superblock{}
	if err := sb.UnmarshalBinary(rec.Image); err != nil {
		return fmt.Errorf("decoding undo record %s: %w", rec.ID, err)
	}

	vol, err := ext2fs.Open(device, ext2fs.WithLogger(e.logger))
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer vol.Close()

	vol.SetSuperblock(sb)
	if err := vol.Flush(ext2fs.FlushOptions{AllCopies: true}); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}

	if err := store.Delete(ctx, rec.ID); err != nil {
		return err
	}

	e.logger.Info("restored superblock", "device", device, "record", rec.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "Restored superblock of %s from %s\n",
		device, rec.CreatedAt.UTC().Format(time.RFC3339))

	return nil
}

func listRecords(cmd *cobra.Command, store *undo.Store, device string) error {
	records, err := store.List(cmd.Context(), device)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintf(out, "No undo records for %s\n", device)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "CREATED", "DIGEST"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, r := range records {
		table.Append([]string{r.ID, r.CreatedAt.UTC().Format(time.RFC3339), r.Digest.Encoded()[:12]})
	}
	table.Render()

	return nil
}
