package tune

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
)

const (
	// MaxCheckInterval is the longest accepted interval between forced
	// checks: 365 days.
	MaxCheckInterval = 365 * 24 * 60 * 60

	// DefaultJournalSizeMiB is used when a journal is requested without a
	// size.
	DefaultJournalSizeMiB = 16

	day = 24 * 60 * 60
)

var validate = validator.New()

// Request is one batch of superblock edits. A nil field leaves the
// corresponding setting untouched.
type Request struct {
	MaxMountCount *int    `validate:"omitempty,gte=-1,lte=16000"`
	MountCount    *int    `validate:"omitempty,gte=0,lte=16000"`
	ErrorBehavior *uint16 `validate:"omitempty,oneof=1 2 3"`
	// CheckInterval is in seconds.
	CheckInterval  *uint32 `validate:"omitempty,lte=31536000"`
	ReservedGID    *uint32 `validate:"omitempty,lte=65535"`
	ReservedUID    *uint32 `validate:"omitempty,lte=65535"`
	ReservedRatio  *uint32 `validate:"omitempty,lte=50"`
	ReservedBlocks *uint64
	Sparse         *bool

	// Features is a feature edit string such as "^has_journal,filetype".
	Features *string
	// Journal requests a journal. It is also consulted for sizing when
	// Features turns has_journal on.
	Journal *JournalOptions

	Label       *string
	LastMounted *string
	// UUID is "null", "time", "random" or a literal UUID.
	UUID *string
}

// Validate checks the value constraints that do not depend on the volume.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Empty reports whether the request asks for no edits at all.
func (r *Request) Empty() bool {
	return *r == Request{}
}

// JournalOptions describe the journal to create. Device selects an external
// journal; otherwise an inode-backed journal of SizeMiB is created.
type JournalOptions struct {
	SizeMiB      int `validate:"gte=0"`
	Device       string
	V1Superblock bool
}

// ParseJournalOptions parses a -J style option string: comma separated
// "size=N", "device=PATH" and "v1_superblock".
func ParseJournalOptions(s string) (*JournalOptions, error) {
	opts := &JournalOptions{}

	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		key, value, hasValue := strings.Cut(token, "=")
		switch key {
		case "size":
			n, err := strconv.Atoi(value)
			if !hasValue || err != nil || n <= 0 {
				return nil, fmt.Errorf("%w: bad journal size %q", ErrInvalidRequest, value)
			}
			opts.SizeMiB = n
		case "device":
			if !hasValue || value == "" {
				return nil, fmt.Errorf("%w: journal device not specified", ErrInvalidRequest)
			}
			opts.Device = value
		case "v1_superblock":
			if hasValue {
				return nil, fmt.Errorf("%w: v1_superblock takes no value", ErrInvalidRequest)
			}
			opts.V1Superblock = true
		default:
			return nil, fmt.Errorf("%w: bad journal option %q", ErrInvalidRequest, token)
		}
	}

	return opts, nil
}

// sizeMiB falls back to def when no size was given.
func (o *JournalOptions) sizeMiB(def int) int {
	if o == nil || o.SizeMiB == 0 {
		return def
	}
	return o.SizeMiB
}

// ParseInterval converts a magnitude with an optional unit suffix into
// seconds. Units are s, d (the default), w and m (30 days).
func ParseInterval(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty interval", ErrInvalidRequest)
	}

	unit := uint64(day)
	digits := s
	switch last := s[len(s)-1]; last {
	case 's', 'S':
		unit = 1
		digits = s[:len(s)-1]
	case 'd', 'D':
		digits = s[:len(s)-1]
	case 'w', 'W':
		unit = 7 * day
		digits = s[:len(s)-1]
	case 'm', 'M':
		unit = 30 * day
		digits = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad interval %q", ErrInvalidRequest, s)
	}
	seconds := n * unit
	if seconds > MaxCheckInterval {
		return 0, fmt.Errorf("%w: interval %q exceeds 365 days", ErrInvalidRequest, s)
	}
	return uint32(seconds), nil
}

// ParseErrorBehavior maps an error policy name to its superblock value.
func ParseErrorBehavior(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "continue":
		return ext2fs.ErrorsContinue, nil
	case "remount-ro", "remount-read-only":
		return ext2fs.ErrorsRO, nil
	case "panic":
		return ext2fs.ErrorsPanic, nil
	default:
		return 0, fmt.Errorf("%w: bad error behavior %q", ErrInvalidRequest, s)
	}
}

func errorBehaviorName(v uint16) string {
	switch v {
	case ext2fs.ErrorsContinue:
		return "continue"
	case ext2fs.ErrorsRO:
		return "remount-ro"
	case ext2fs.ErrorsPanic:
		return "panic"
	default:
		return "unknown"
	}
}
