// Package failure classifies the errors a pipeline run can end with.
//
// Every error that reaches the pipeline result carries one of the kinds below,
// so callers can tell a malformed input apart from a routing bug or a stuck
// coordination predicate with errors.Is.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindIngestion
	KindTransform
	KindRouting
	KindDeadlock
	KindOutput
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindIngestion:
		return "ingestion"
	case KindTransform:
		return "transform"
	case KindRouting:
		return "routing"
	case KindDeadlock:
		return "deadlock-timeout"
	case KindOutput:
		return "output"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinels usable as errors.Is targets.
var (
	ErrIngestion       = &Error{Kind: KindIngestion}
	ErrTransform       = &Error{Kind: KindTransform}
	ErrRouting         = &Error{Kind: KindRouting}
	ErrDeadlockTimeout = &Error{Kind: KindDeadlock}
	ErrOutput          = &Error{Kind: KindOutput}
	ErrCanceled        = &Error{Kind: KindCanceled}
)

// Error is a classified pipeline error. Where names the record, cluster or
// lane the error is about and may be empty.
type Error struct {
	Kind  Kind
	Where string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Where != "" && e.Err != nil:
		return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Where, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Where != "":
		return fmt.Sprintf("%s error at %s", e.Kind, e.Where)
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(k Kind, where string, err error) *Error {
	return &Error{Kind: k, Where: where, Err: err}
}

func Ingestion(where string, err error) error { return newError(KindIngestion, where, err) }
func Transform(where string, err error) error { return newError(KindTransform, where, err) }
func Routing(where string, err error) error   { return newError(KindRouting, where, err) }
func Deadlock(where string, err error) error  { return newError(KindDeadlock, where, err) }
func Output(where string, err error) error    { return newError(KindOutput, where, err) }
func Canceled(where string, err error) error  { return newError(KindCanceled, where, err) }

// KindOf returns the most specific kind found in err's chain. A deadlock
// timeout raised inside a transform is reported as KindDeadlock, not
// KindTransform.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range []*Error{ErrDeadlockTimeout, ErrRouting, ErrIngestion, ErrOutput, ErrTransform, ErrCanceled} {
		if errors.Is(err, k) {
			return k.Kind
		}
	}
	return KindUnknown
}
