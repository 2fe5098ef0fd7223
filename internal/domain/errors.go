// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrCaseNotFound = errors.New("case not found")

// ConcurrencyConflictError reports an optimistic-concurrency loss: the
// caller's expected version no longer matches the store. The caller must
// re-read the case at Actual and retry; the engine never retries on its own.
type ConcurrencyConflictError struct {
	CaseID   uuid.UUID
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on case %s: expected version %d, store has %d",
		e.CaseID, e.Expected, e.Actual)
}

// Retryable marks the conflict as safe to retry after a re-read.
func (e *ConcurrencyConflictError) Retryable() bool { return true }

// StructuralValidationError reports a malformed or structurally impossible
// submission: bad payload shape, wrong track for the case kind, an event on
// a terminal case. These are fatal to the request and never partially applied.
// Substantive rule failures are not errors at all; they become warnings on
// the projected state.
type StructuralValidationError struct {
	Reason string
}

func (e *StructuralValidationError) Error() string {
	return "structural validation failed: " + e.Reason
}
