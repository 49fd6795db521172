// Package tune validates and applies batches of superblock edits to an
// ext2-family volume.
//
// A Session runs a Request in two passes. The first pass applies every edit
// to a copy of the superblock, which surfaces all validation errors and
// state conflicts before anything is touched. The second pass repeats the
// edits on the volume's own superblock, performs the journal I/O, and
// flushes exactly the regions the edits made dirty.
package tune

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/maxdollinger/tunefs/internal/undo"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
	"github.com/maxdollinger/tunefs/pkg/lock"
	"github.com/maxdollinger/tunefs/pkg/mount"
)

// Volume is the filesystem access a session needs. *ext2fs.Volume
// implements it.
type Volume interface {
	Path() string
	Superblock() *ext2fs.Superblock
	UpdateDynamicRev()
	ReadInode(ino uint32) (*ext2fs.Inode, error)
	WriteInode(ino uint32, inode *ext2fs.Inode) error
	AddJournalInode(p ext2fs.JournalParams) error
	AddJournalDevice(path string) error
	Flush(opts ext2fs.FlushOptions) error
}

// MountProber reports mount state. *mount.Prober implements it.
type MountProber interface {
	Query(device string) (mount.Info, error)
	CheckNotInUse(device string) error
}

// UndoRecorder saves the superblock image a session is about to overwrite.
type UndoRecorder interface {
	Record(ctx context.Context, device string, image []byte) (*undo.Record, error)
}

type Session struct {
	vol      Volume
	prober   MountProber
	journals *Provisioner
	locker   lock.Locker
	undo     UndoRecorder
	uuids    UUIDSource
	notices  io.Writer
	logger   *slog.Logger

	journalSizeMiB int
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithNotices sets where progress lines and advisories are printed.
func WithNotices(w io.Writer) Option {
	return func(s *Session) {
		s.notices = w
	}
}

// WithUndo records the pre-session superblock before every write-back.
func WithUndo(rec UndoRecorder) Option {
	return func(s *Session) {
		s.undo = rec
	}
}

func WithUUIDSource(src UUIDSource) Option {
	return func(s *Session) {
		s.uuids = src
	}
}

// WithLocker serialises sessions on the same volume.
func WithLocker(l lock.Locker) Option {
	return func(s *Session) {
		s.locker = l
	}
}

// WithDefaultJournalSize sets the journal size used when none is requested.
func WithDefaultJournalSize(mib int) Option {
	return func(s *Session) {
		s.journalSizeMiB = mib
	}
}

func NewSession(vol Volume, prober MountProber, opts ...Option) *Session {
	s := &Session{
		vol:            vol,
		prober:         prober,
		locker:         lock.NewNoOpLocker(),
		uuids:          systemUUIDs{},
		notices:        io.Discard,
		logger:         slog.Default(),
		journalSizeMiB: DefaultJournalSizeMiB,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.journals = NewProvisioner(prober, s.journalSizeMiB, s.logger)
	return s
}

// Result reports what a session did.
type Result struct {
	Mount    mount.Info
	Features *FeatureResult
	Journal  *JournalResult
	Scope    Scope
	// Dirty is false when the request changed nothing and no write
	// happened.
	Dirty bool
	Undo  *undo.Record
}

type plan struct {
	features *FeatureResult
	journal  *JournalPlan
	identity *identity
}

// Run applies req to the volume. Validation errors and state conflicts are
// returned before the volume is modified. A failure after that point leaves
// the superblock unwritten.
func (s *Session) Run(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	path := s.vol.Path()
	l, err := s.locker.AcquireLock(ctx, lock.KeyFor(path))
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			s.logger.WarnContext(ctx, "failed to release volume lock", "volume", path, "error", err)
		}
	}()

	info, err := s.prober.Query(path)
	if err != nil {
		return nil, fmt.Errorf("checking whether %s is mounted: %w", path, err)
	}
	s.logger.DebugContext(ctx, "starting tuning session", "volume", path, "mount_state", info.State)

	res := &Result{Mount: info}

	p, err := s.plan(req, info, res)
	if err != nil {
		return res, err
	}
	if err := s.commit(ctx, req, p, res); err != nil {
		return res, err
	}

	return res, nil
}

// plan runs every stage against a copy of the superblock.
func (s *Session) plan(req *Request, info mount.Info, res *Result) (*plan, error) {
	sb := s.vol.Superblock().Clone()
	scope := Scope{}
	p := &plan{}

	fields := &fieldEditor{sb: sb, scope: &scope, out: discardReporter{}}
	if err := fields.apply(req); err != nil {
		return nil, err
	}

	journalOpts := req.Journal
	if req.Features != nil {
		deltas, err := ParseFeatures(*req.Features)
		if err != nil {
			return nil, err
		}
		deferred := req.Journal
		if deferred == nil {
			deferred = &JournalOptions{SizeMiB: s.journalSizeMiB}
		}
		fr, err := PlanFeatures(sb, info.State, deltas, deferred)
		if err != nil {
			res.Features = fr
			return nil, err
		}
		sb.FeatureCompat = fr.New.Compat
		sb.FeatureIncompat = fr.New.Incompat
		sb.FeatureROCompat = fr.New.ROCompat
		p.features = fr

		if fr.JournalDeferred {
			journalOpts = fr.Journal
		}
	}

	if journalOpts != nil {
		jp, err := s.journals.Plan(sb, journalOpts)
		if err != nil {
			return nil, err
		}
		p.journal = jp
	}

	if req.UUID != nil {
		id, err := parseIdentity(*req.UUID)
		if err != nil {
			return nil, err
		}
		p.identity = &id
	}

	return p, nil
}

func (s *Session) commit(ctx context.Context, req *Request, p *plan, res *Result) error {
	sb := s.vol.Superblock()
	before, err := sb.MarshalBinary()
	if err != nil {
		return err
	}

	out := &noticeReporter{ctx: ctx, w: s.notices, logger: s.logger}

	fields := &fieldEditor{sb: sb, scope: &res.Scope, out: out}
	if err := fields.apply(req); err != nil {
		return err
	}
	dirty := fields.dirty

	if p.features != nil {
		if err := commitFeatures(s.vol, p.features, &res.Scope); err != nil {
			return err
		}
		res.Features = p.features
		if p.features.NeedsCheck {
			out.advise(pleaseCheck)
		}
		dirty = true
	}

	if p.journal != nil {
		jr, err := s.journals.Provision(ctx, s.vol, res.Mount, p.journal, &res.Scope)
		if err != nil {
			return err
		}
		if jr.Device != "" {
			out.info("Creating journal on device %s: done", jr.Device)
		} else {
			out.info("Creating journal inode: done")
		}
		res.Journal = jr
		dirty = true
	}

	if p.identity != nil {
		id, err := p.identity.resolve(s.uuids)
		if err != nil {
			return fmt.Errorf("generating UUID: %w", err)
		}
		setIdentity(sb, id, &res.Scope)
		s.logger.DebugContext(ctx, "changed volume UUID", "uuid", uuid.UUID(sb.UUID))
		dirty = true
	}

	res.Dirty = dirty
	if !dirty {
		s.logger.DebugContext(ctx, "nothing changed, skipping write-back", "volume", s.vol.Path())
		return nil
	}

	if s.undo != nil {
		rec, err := s.undo.Record(ctx, s.vol.Path(), before)
		if err != nil {
			return fmt.Errorf("recording undo image: %w", err)
		}
		res.Undo = rec
	}

	if err := s.vol.Flush(res.Scope.flushOptions()); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}

	s.logger.InfoContext(ctx, "tuned volume",
		"volume", s.vol.Path(),
		"copies", res.Scope.Copies,
		"descriptors", res.Scope.Descriptors)

	return nil
}

type noticeReporter struct {
	ctx    context.Context
	w      io.Writer
	logger *slog.Logger
}

func (r *noticeReporter) info(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(r.w, msg)
	r.logger.DebugContext(r.ctx, msg)
}

func (r *noticeReporter) advise(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(r.w, msg)
	r.logger.WarnContext(r.ctx, "advisory", "message", msg)
}
