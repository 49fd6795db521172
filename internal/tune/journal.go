package tune

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/mount"
)

// JournalPlan is a validated journal request, ready to hand to the volume.
type JournalPlan struct {
	// Device is the external journal device; empty for an inode journal.
	Device string
	Blocks uint32
	Flags  ext2fs.JournalFlags
}

// JournalResult describes the journal that was created.
type JournalResult struct {
	Device       string
	DeviceNumber uint32
	Inode        uint32
	Blocks       uint32
}

// Provisioner adds journals to volumes.
type Provisioner struct {
	prober         MountProber
	defaultSizeMiB int
	logger         *slog.Logger
}

func NewProvisioner(prober MountProber, defaultSizeMiB int, logger *slog.Logger) *Provisioner {
	if defaultSizeMiB <= 0 {
		defaultSizeMiB = DefaultJournalSizeMiB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		prober:         prober,
		defaultSizeMiB: defaultSizeMiB,
		logger:         logger,
	}
}

// Plan validates a journal request against sb without any side effects on
// the volume. An external device must not be mounted or otherwise in use.
func (p *Provisioner) Plan(sb *ext2fs.Superblock, opts *JournalOptions) (*JournalPlan, error) {
	if sb.FeatureCompat&ext2fs.CompatHasJournal != 0 {
		return nil, ErrJournalAlreadyPresent
	}

	plan := &JournalPlan{}
	if opts != nil {
		plan.Device = opts.Device
		if opts.V1Superblock {
			plan.Flags |= ext2fs.JournalV1Superblock
		}
	}

	if plan.Device != "" {
		if err := p.prober.CheckNotInUse(plan.Device); err != nil {
			return nil, fmt.Errorf("checking journal device %s: %w", plan.Device, err)
		}
		return plan, nil
	}

	kib := uint64(opts.sizeMiB(p.defaultSizeMiB)) * 1024
	blocks := kib / uint64(sb.BlockSize()/1024)
	if blocks < ext2fs.MinJournalBlocks || blocks > ext2fs.MaxJournalBlocks {
		return nil, fmt.Errorf("%w: %d blocks, must be between %d and %d", ErrJournalSize, blocks, ext2fs.MinJournalBlocks, ext2fs.MaxJournalBlocks)
	}
	plan.Blocks = uint32(blocks)

	return plan, nil
}

// Provision creates the planned journal. The volume sets has_journal itself,
// and only when creation succeeds. An inode journal on an unmounted volume
// allocates blocks, so the descriptors join the write-back scope.
func (p *Provisioner) Provision(ctx context.Context, vol Volume, info mount.Info, plan *JournalPlan, scope *Scope) (*JournalResult, error) {
	sb := vol.Superblock()

	if plan.Device != "" {
		p.logger.InfoContext(ctx, "attaching external journal", "volume", vol.Path(), "device", plan.Device)

		if err := vol.AddJournalDevice(plan.Device); err != nil {
			return nil, fmt.Errorf("%w on device %s: %w", ErrJournalCreate, plan.Device, err)
		}
		return &JournalResult{Device: plan.Device, DeviceNumber: sb.JournalDev}, nil
	}

	params := ext2fs.JournalParams{Blocks: plan.Blocks, Flags: plan.Flags}
	if info.State.Mounted() {
		params.MountPoint = info.MountPoint
	}

	p.logger.InfoContext(ctx, "creating journal inode",
		"volume", vol.Path(),
		"blocks", plan.Blocks,
		"mounted", info.State.Mounted())

	if err := vol.AddJournalInode(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJournalCreate, err)
	}
	if !info.State.Mounted() {
		scope.IncludeDescriptors()
	}

	return &JournalResult{Inode: sb.JournalInum, Blocks: plan.Blocks}, nil
}
