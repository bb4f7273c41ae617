package keystore

import (
	"errors"
	"fmt"
)

// ErrCommitFailure is matched by errors.Is for every *CommitError.
var ErrCommitFailure = errors.New("keystore: commit failed")

// CommitError reports a transaction whose mutations could not be persisted
// after all retries. Nothing of the batch was applied.
type CommitError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("keystore: commit of transaction %q failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCommitFailure) hold.
func (e *CommitError) Is(target error) bool { return target == ErrCommitFailure }
