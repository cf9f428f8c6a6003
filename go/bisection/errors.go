package bisection

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the ways a bisection can fail for good. Unlike build or
// compile problems these are not recoverable within the current case.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNoComparableSetting: no good setting shares the bad setting's
	// compiler project and optimization level.
	KindNoComparableSetting
	// KindDivergentBranch: the common ancestor of good and bad is itself
	// interesting, so the change to find is a fix on the good branch. That
	// search is deliberately not implemented.
	KindDivergentBranch
	// KindTooManyBuildFailures: adaptive stepping could not escape a region
	// of unbuildable commits.
	KindTooManyBuildFailures
	// KindIterationLimit: the search loop exceeded its hard iteration cap
	// without converging.
	KindIterationLimit
	// KindInconsistentResult: the final boundary failed verification against
	// its parent, indicating a flaky oracle or a logic defect.
	KindInconsistentResult
)

func (k Kind) String() string {
	switch k {
	case KindNoComparableSetting:
		return "no comparable good setting"
	case KindDivergentBranch:
		return "divergent branch"
	case KindTooManyBuildFailures:
		return "too many consecutive build failures"
	case KindIterationLimit:
		return "iteration limit exceeded"
	case KindInconsistentResult:
		return "inconsistent bisection result"
	default:
		return "unknown"
	}
}

// Error is an unrecoverable bisection failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bisection failed (%s): %s", e.Kind, e.Msg)
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a bisection Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}
