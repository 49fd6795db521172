package tune

import (
	"fmt"

	"github.com/maxdollinger/tunefs/pkg/ext2fs"
)

const pleaseCheck = "Please run e2fsck on the filesystem."

// reporter receives the messages produced while editing. info lines report
// what was changed; advisories flag requests that were redundant or lossy.
type reporter interface {
	info(format string, args ...any)
	advise(format string, args ...any)
}

type discardReporter struct{}

func (discardReporter) info(string, ...any)   {}
func (discardReporter) advise(string, ...any) {}

// fieldEditor applies the scalar edits of a request to one superblock.
// The session runs it twice: against a copy to validate the whole request,
// then against the volume's superblock.
type fieldEditor struct {
	sb    *ext2fs.Superblock
	scope *Scope
	out   reporter
	dirty bool
}

func (e *fieldEditor) apply(req *Request) error {
	sb := e.sb

	if req.MaxMountCount != nil {
		sb.MaxMntCount = int16(*req.MaxMountCount)
		e.changed("Setting maximal mount count to %d", *req.MaxMountCount)
	}
	if req.MountCount != nil {
		sb.MntCount = uint16(*req.MountCount)
		e.changed("Setting current mount count to %d", *req.MountCount)
	}
	if req.ErrorBehavior != nil {
		sb.Errors = *req.ErrorBehavior
		e.changed("Setting error behavior to %d (%s)", *req.ErrorBehavior, errorBehaviorName(*req.ErrorBehavior))
	}
	if req.ReservedGID != nil {
		sb.DefResGID = uint16(*req.ReservedGID)
		e.changed("Setting reserved blocks gid to %d", *req.ReservedGID)
	}
	if req.CheckInterval != nil {
		sb.CheckInterval = *req.CheckInterval
		e.changed("Setting interval between checks to %d seconds", *req.CheckInterval)
	}
	if req.ReservedRatio != nil {
		if err := e.setReservedRatio(*req.ReservedRatio); err != nil {
			return err
		}
	}
	if req.ReservedBlocks != nil {
		if err := e.setReservedBlocks(*req.ReservedBlocks); err != nil {
			return err
		}
	}
	if req.Sparse != nil {
		e.setSparse(*req.Sparse)
	}
	if req.ReservedUID != nil {
		sb.DefResUID = uint16(*req.ReservedUID)
		e.changed("Setting reserved blocks uid to %d", *req.ReservedUID)
	}
	if req.Label != nil {
		if setFixed(sb.VolumeName[:], *req.Label) {
			e.out.advise("Warning: label too long, truncating.")
		}
		e.dirty = true
	}
	if req.LastMounted != nil {
		if setFixed(sb.LastMounted[:], *req.LastMounted) {
			e.out.advise("Warning: last mounted directory too long, truncating.")
		}
		e.dirty = true
	}

	return nil
}

func (e *fieldEditor) changed(format string, args ...any) {
	e.dirty = true
	e.out.info(format, args...)
}

func (e *fieldEditor) setReservedRatio(ratio uint32) error {
	if ratio > 50 {
		return fmt.Errorf("%w: %d", ErrReservedRatio, ratio)
	}

	n := e.sb.BlocksCount() / 100 * uint64(ratio)
	e.sb.SetReservedBlocks(n)
	e.changed("Setting reserved blocks percentage to %d%% (%d blocks)", ratio, n)
	return nil
}

func (e *fieldEditor) setReservedBlocks(n uint64) error {
	if total := e.sb.BlocksCount(); n >= total {
		return fmt.Errorf("%w: %d, volume has %d blocks", ErrReservedBlocksExceedTotal, n, total)
	}

	e.sb.SetReservedBlocks(n)
	e.changed("Setting reserved blocks count to %d", n)
	return nil
}

// setSparse toggles sparse_super. Clearing it moves backups into every
// group, so every copy has to be rewritten.
func (e *fieldEditor) setSparse(on bool) {
	sb := e.sb
	has := sb.FeatureROCompat&ext2fs.ROCompatSparseSuper != 0

	switch {
	case on && has:
		e.out.advise("The filesystem already has sparse superblocks.")
		return
	case !on && !has:
		e.out.advise("The filesystem already has sparse superblocks disabled.")
		return
	case on:
		sb.FeatureROCompat |= ext2fs.ROCompatSparseSuper
		sb.UpdateDynamicRev()
		e.changed("Sparse superblock flag set.")
	default:
		sb.FeatureROCompat &^= ext2fs.ROCompatSparseSuper
		e.scope.EscalateCopies()
		e.changed("Sparse superblock flag cleared.")
	}

	sb.State &^= ext2fs.StateValid
	e.out.advise(pleaseCheck)
}

// setFixed zero-fills field and copies value into it, truncating at the
// field width. It reports whether value was truncated.
func setFixed(field []byte, value string) bool {
	clear(field)
	copy(field, value)
	return len(value) > len(field)
}
