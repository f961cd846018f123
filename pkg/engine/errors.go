package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/reayungao/upscaled/pkg/accel"
	"github.com/reayungao/upscaled/pkg/modelcache"
	"github.com/reayungao/upscaled/pkg/tiling"
	"github.com/reayungao/upscaled/pkg/upscale"
)

// Kind tags the broad category of an engine-level failure so a shell
// can branch on category without string-matching messages.
type Kind int

const (
	Unknown Kind = iota
	Io
	ImageDecode
	ImageEncode
	Runtime
	Oom
	ModelMissing
	ModelIncompatible
	NegativeCacheHit
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case ImageDecode:
		return "image_decode"
	case ImageEncode:
		return "image_encode"
	case Runtime:
		return "runtime"
	case Oom:
		return "oom"
	case ModelMissing:
		return "model_missing"
	case ModelIncompatible:
		return "model_incompatible"
	case NegativeCacheHit:
		return "negative_cache_hit"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is an engine-level error tagged with a Kind, so a shell can
// branch on category (e.g. offer a retry for Oom, surface
// ModelMissing differently from Runtime) without string-matching the
// message.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// newErr builds an *Error wrapping cause, tagged with kind.
func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

// classify maps an error coming out of the tiled pipeline to its
// engine Kind, trying the most specific sentinel first. An error that
// matches none of them is reported as Runtime.
func classify(err error) Kind {
	switch {
	case err == nil:
		return Unknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, accel.ErrOOM), errors.Is(err, tiling.ErrOOM):
		return Oom
	case errors.Is(err, upscale.ErrModelIncompatible):
		return ModelIncompatible
	case errors.Is(err, modelcache.ErrNegativeCache):
		return NegativeCacheHit
	default:
		return Runtime
	}
}

// toEngineError wraps err as an *Error of the appropriate Kind unless
// it already is one.
func toEngineError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return newErr(classify(err), msg, err)
}

// KindOf returns err's engine Kind, or Unknown if err was never tagged
// by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsCancelled reports whether err represents a job cancellation, which
// the external interfaces treat as a non-error short-circuit rather
// than a failure to surface to the user.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}
