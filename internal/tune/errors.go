package tune

import "errors"

var (
	// Input validation
	ErrInvalidRequest            = errors.New("invalid tuning request")
	ErrUnknownFeature            = errors.New("invalid filesystem option set")
	ErrReservedBlocksExceedTotal = errors.New("reserved blocks count is too big")
	ErrReservedRatio             = errors.New("invalid reserved blocks percent")
	ErrInvalidIdentityFormat     = errors.New("invalid UUID format")
	ErrJournalSize               = errors.New("journal size out of range")

	// State conflicts
	ErrJournalClearForbidden = errors.New("the has_journal flag may only be cleared when the filesystem is unmounted or mounted read-only")
	ErrRecoveryPending       = errors.New("the needs_recovery flag is set, please run e2fsck before clearing the has_journal flag")
	ErrJournalAlreadyPresent = errors.New("the filesystem already has a journal")

	// Delegate failures
	ErrJournalInodeUpdate = errors.New("cannot update journal inode")
	ErrJournalCreate      = errors.New("cannot create journal")
)
