// Copyright (c) 2025 Sonic Operations Ltd
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at soniclabs.com/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import "fmt"

// Kind classifies an EngineError. NotFound is intentionally absent: lookups
// encode absence as a boolean result rather than an error.
type Kind int

const (
	IoError Kind = iota
	Corruption
	ResourceExhausted
	GcInProgress
	InvalidArgument
	WouldBlock
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case Corruption:
		return "Corruption"
	case ResourceExhausted:
		return "ResourceExhausted"
	case GcInProgress:
		return "GcInProgress"
	case InvalidArgument:
		return "InvalidArgument"
	case WouldBlock:
		return "WouldBlock"
	default:
		return "Unknown"
	}
}

// EngineError is the tagged-variant error type surfaced across the session
// API. Wrap it with fmt.Errorf("...: %w", err) where additional context is
// useful; callers that need to discriminate on the kind should use Is or As.
type EngineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is reports whether target is an EngineError of the same Kind, so callers
// can do errors.Is(err, common.Corruption) style checks via KindError.
func (e *EngineError) Is(target error) bool {
	other, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// NewError constructs an EngineError. Err may be nil.
func NewError(kind Kind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// KindError constructs a bare sentinel for use with errors.Is, e.g.
// errors.Is(err, common.KindError(common.Corruption)).
func KindError(kind Kind) error {
	return &EngineError{Kind: kind}
}
