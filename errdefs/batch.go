package errdefs

import "fmt"

// BatchOutcome is the result of one batched entry, in submission order.
type BatchOutcome struct {
	UpdateCount int64  `json:"update_count"`
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"` // backend diagnostic for a failed entry
}

// BatchError carries per-entry outcomes of a partially failed batch so the
// caller can determine exactly which entries committed.
// It is never downgraded to a single opaque failure.
type BatchError struct {
	Outcomes []BatchOutcome
}

func (e *BatchError) Error() string {
	failed := 0
	for _, o := range e.Outcomes {
		if !o.OK {
			failed++
		}
	}
	return fmt.Sprintf("%v: %d of %d entries failed", ErrBatchPartialFailure, failed, len(e.Outcomes))
}

// Unwrap makes errors.Is(err, ErrBatchPartialFailure) hold.
func (e *BatchError) Unwrap() error {
	return ErrBatchPartialFailure
}
