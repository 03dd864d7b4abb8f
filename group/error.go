package group

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLiveLink is returned when a send finds no sendable member.
	ErrNoLiveLink = errors.New("group: no live member link")

	// ErrAllLinksUnstable is returned by a backup send when every sendable
	// member is unstable and no idle link could be activated.
	ErrAllLinksUnstable = errors.New("group: all member links unstable")

	// ErrClosed is returned for API calls on a closing or closed group.
	ErrClosed = errors.New("group: closed")

	// ErrTimeout is returned when a blocking send or receive exceeded its
	// configured timeout.
	ErrTimeout = errors.New("group: operation timed out")

	// ErrWouldBlock is returned by non-blocking operations without
	// immediate capacity or data.
	ErrWouldBlock = errors.New("group: operation would block")

	// ErrSeqDiscontinuity signals a delivery request beyond the buffered
	// state while too-late packet drop is disabled.
	ErrSeqDiscontinuity = errors.New("group: sequence discontinuity")

	// ErrBadOption is returned for an unknown option code or a value of
	// the wrong length.
	ErrBadOption = errors.New("group: bad option")

	// ErrInternal signals a broken invariant inside the group engine.
	ErrInternal = errors.New("group: internal invariant violated")

	// ErrPayloadTooLarge is returned when a message exceeds the configured
	// payload size.
	ErrPayloadTooLarge = errors.New("group: payload exceeds configured size")

	// ErrGroupBound is returned when a member is added to a group it
	// cannot join.
	ErrGroupBound = errors.New("group: member not acceptable")
)

// errRank orders error kinds from worst to most benign. When every member of
// a send fails, the worst collected kind is surfaced to the caller.
func errRank(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInternal):
		return 7
	case errors.Is(err, ErrClosed):
		return 6
	case errors.Is(err, ErrNoLiveLink):
		return 5
	case errors.Is(err, ErrAllLinksUnstable):
		return 4
	case errors.Is(err, ErrTimeout):
		return 3
	case errors.Is(err, ErrWouldBlock):
		return 2
	default:
		return 1
	}
}

// worstError picks the highest ranked error of the given ones, nil if all
// are nil.
func worstError(errs ...error) error {
	var worst error
	for _, err := range errs {
		if errRank(err) > errRank(worst) {
			worst = err
		}
	}
	return worst
}

// memberError tags an error with the member it occurred on, for collection
// into a multierror.
func memberError(id int32, err error) error {
	return fmt.Errorf("member @%d: %w", id, err)
}
