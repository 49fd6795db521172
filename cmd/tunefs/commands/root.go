// Package commands implements the tunefs command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maxdollinger/tunefs/internal/config"
	"github.com/maxdollinger/tunefs/internal/tune"
	"github.com/maxdollinger/tunefs/internal/undo"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/lock"
	"github.com/maxdollinger/tunefs/pkg/mount"
	"github.com/spf13/cobra"
)

// Version is injected at build time.
var Version = "dev"

var errNothingToDo = errors.New("no changes requested; see --help")

// globalOptions are shared by every command.
type globalOptions struct {
	configFile string
	logLevel   string
	undoFile   string
}

// env is what a command needs once configuration has been loaded.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (g *globalOptions) load(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.undoFile != "" {
		cfg.Undo.Path = g.undoFile
	}

	logger, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &env{cfg: cfg, logger: logger}, nil
}

// Execute runs the tunefs command line.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// NewRootCmd builds the command tree. Each call returns fresh flag state.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}
	flags := &tuneFlags{}

	cmd := &cobra.Command{
		Use:   "tunefs [flags] device",
		Short: "Adjust tunable filesystem parameters on ext2/ext3 volumes",
		Long: `tunefs changes the superblock parameters of an ext2 or ext3 volume:
mount counts and check intervals, error behaviour, reserved blocks, the
volume label and UUID, and the has_journal, sparse_super and filetype
features. Journals can be added as an inode or on an external device.

Every requested change is validated against the volume and its mount state
before anything is written.`,
		Version:       Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTune(cmd, g, flags, args[0])
		},
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/tunefs/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	cmd.PersistentFlags().StringVarP(&g.undoFile, "undo-file", "z", "", "sqlite database for undo records (overrides undo.path)")

	flags.register(cmd)

	cmd.AddCommand(newUndoCmd(g))

	return cmd
}

func runTune(cmd *cobra.Command, g *globalOptions, flags *tuneFlags, device string) error {
	ctx := cmd.Context()

	req, err := flags.request(cmd.Flags())
	if err != nil {
		return err
	}
	if req.Empty() && !flags.list {
		return errNothingToDo
	}

	e, err := g.load(cmd)
	if err != nil {
		return err
	}

	vol, err := ext2fs.Open(device,
		ext2fs.WithReadOnly(req.Empty()),
		ext2fs.WithLogger(e.logger))
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer vol.Close()

	if !req.Empty() {
		if err := tuneVolume(ctx, cmd, e, vol, req); err != nil {
			return err
		}
	}

	if flags.list {
		return tune.List(cmd.OutOrStdout(), vol.Superblock())
	}
	return nil
}

func tuneVolume(ctx context.Context, cmd *cobra.Command, e *env, vol *ext2fs.Volume, req *tune.Request) error {
	prober := mount.NewProber(
		mount.WithMountsFile(e.cfg.MountsFile),
		mount.WithLogger(e.logger))

	locker, err := lock.NewFileLocker(e.cfg.Lock.Dir, e.logger)
	if err != nil {
		return err
	}

	opts := []tune.Option{
		tune.WithLogger(e.logger),
		tune.WithNotices(cmd.OutOrStdout()),
		tune.WithLocker(locker),
		tune.WithDefaultJournalSize(e.cfg.Journal.DefaultSizeMiB),
	}

	if e.cfg.Undo.Path != "" {
		store, err := undo.Open(ctx, e.cfg.Undo.Path, e.logger)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, tune.WithUndo(store))
	}

	_, err = tune.NewSession(vol, prober, opts...).Run(ctx, req)
	return err
}
