package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotOwned is matched by every OwnershipError.
	ErrNotOwned = errors.New("storage: key not owned by local group")
	// ErrVisibilityRetriesExhausted is returned when a read kept hitting
	// undecided transactions past the retry bound.
	ErrVisibilityRetriesExhausted = errors.New("storage: visibility retries exhausted")
)

// OwnershipError reports an access to a key owned by another group.
type OwnershipError struct {
	Key string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("storage: key %q not owned by local group", e.Key)
}

// Is makes errors.Is(err, ErrNotOwned) match.
func (e *OwnershipError) Is(target error) bool {
	return target == ErrNotOwned
}
