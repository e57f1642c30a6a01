package consensus

import "github.com/pkg/errors"

var (
	// ErrInvariant reports a local logic violation, e.g. a duplicate self vote.
	// There is no safe way to continue after it.
	ErrInvariant = errors.New("consensus invariant violated")
	// ErrSafetyViolation reports that the same instance was decided both ways.
	ErrSafetyViolation = errors.New("instance decided both true and false")
	// ErrWrongInstance is returned when a message is delivered to an instance
	// whose key it does not carry.
	ErrWrongInstance = errors.New("message does not belong to this instance")
	// ErrAlreadyProposed is returned when consensus for a block is started twice.
	ErrAlreadyProposed = errors.New("consensus proposal already started for block")
	// ErrInvalidProposal is returned for a malformed proposal vector.
	ErrInvalidProposal = errors.New("invalid consensus proposal")
)

// IsFatal reports whether err must stop the node.
func IsFatal(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrInvariant || cause == ErrSafetyViolation
}
